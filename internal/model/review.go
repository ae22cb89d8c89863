package model

// ReviewMetadata is the fully-populated review payload attached to a run.
// It is a value object flattened onto the run row, never persisted as its
// own entity. All fields are present after normalization: unknown booleans
// are nil (unknown, not false), absent lists are empty slices.
type ReviewMetadata struct {
	Decision                *string  `json:"decision"`
	State                   *string  `json:"state,omitempty"`
	InformationPresent      *bool    `json:"information_present"`
	BadFormat               *bool    `json:"bad_format"`
	WrongInformation        *bool    `json:"wrong_information"`
	WrongPhysicalDimensions *bool    `json:"wrong_physical_dimensions"`
	MissingSpec             []string `json:"missing_spec"`
	UnneededSpec            []string `json:"unneeded_spec"`
	Notes                   *string  `json:"notes"`
	ReviewedBy              *string  `json:"reviewedBy"`
}

// ReviewPayload is the loosely-typed review object arriving from an
// external caller. Field types are deliberately open; the review package
// normalizes them into a ReviewMetadata.
type ReviewPayload struct {
	Decision                any `json:"decision"`
	State                   any `json:"state"`
	InformationPresent      any `json:"information_present"`
	BadFormat               any `json:"bad_format"`
	WrongInformation        any `json:"wrong_information"`
	WrongPhysicalDimensions any `json:"wrong_physical_dimensions"`
	MissingSpec             any `json:"missing_spec"`
	UnneededSpec            any `json:"unneeded_spec"`
	Notes                   any `json:"notes"`
	ReviewedBy              any `json:"reviewedBy"`
}
