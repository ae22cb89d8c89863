// Package review normalizes loosely-typed review payloads into the
// fully-populated ReviewMetadata value object and resolves the restart
// preserve/replace/clear branch.
//
// All functions are pure; callers decide persistence.
package review

import (
	"strings"

	"github.com/regalhq/regal/internal/model"
)

// MaxSpecEntries caps the missing_spec and unneeded_spec lists.
const MaxSpecEntries = 10

var (
	truthy = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "ja": true}
	falsy  = map[string]bool{"false": true, "0": true, "no": true, "n": true, "nein": true}
)

// Flag coerces a loosely-typed review signal into a nullable boolean.
// Unknown values map to nil (unknown), never to false.
func Flag(value any) *bool {
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		b := v
		return &b
	case float64:
		// JSON numbers decode as float64.
		if v == 1 {
			b := true
			return &b
		}
		if v == 0 {
			b := false
			return &b
		}
		return nil
	case int:
		if v == 1 {
			b := true
			return &b
		}
		if v == 0 {
			b := false
			return &b
		}
		return nil
	case string:
		normalized := strings.ToLower(strings.TrimSpace(v))
		if truthy[normalized] {
			b := true
			return &b
		}
		if falsy[normalized] {
			b := false
			return &b
		}
		return nil
	default:
		return nil
	}
}

// SpecList normalizes a spec-name list: entries are trimmed, empties
// dropped, duplicates removed case-insensitively keeping the first-seen
// casing, and the result capped at MaxSpecEntries. A bare string is
// treated as a comma-separated list.
func SpecList(value any) []string {
	var raw []string
	switch v := value.(type) {
	case nil:
		return []string{}
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				raw = append(raw, s)
			}
		}
	default:
		return []string{}
	}

	result := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, entry := range raw {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, trimmed)
		if len(result) >= MaxSpecEntries {
			break
		}
	}
	return result
}

func trimmedString(value any) *string {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func lowerString(value any) *string {
	trimmed := trimmedString(value)
	if trimmed == nil {
		return nil
	}
	lowered := strings.ToLower(*trimmed)
	return &lowered
}

// Normalize converts an external review payload into a fully-populated
// ReviewMetadata. Every field is present afterwards: unknown booleans are
// nil, absent lists are empty slices, blank strings are nil.
func Normalize(payload *model.ReviewPayload) model.ReviewMetadata {
	if payload == nil {
		return Cleared()
	}
	return model.ReviewMetadata{
		Decision:                lowerString(payload.Decision),
		State:                   lowerString(payload.State),
		InformationPresent:      Flag(payload.InformationPresent),
		BadFormat:               Flag(payload.BadFormat),
		WrongInformation:        Flag(payload.WrongInformation),
		WrongPhysicalDimensions: Flag(payload.WrongPhysicalDimensions),
		MissingSpec:             SpecList(payload.MissingSpec),
		UnneededSpec:            SpecList(payload.UnneededSpec),
		Notes:                   trimmedString(payload.Notes),
		ReviewedBy:              trimmedString(payload.ReviewedBy),
	}
}

// Cleared returns the empty review metadata produced by an explicit
// clear: review state not_required, no decision snapshot.
func Cleared() model.ReviewMetadata {
	state := string(model.ReviewStateNotRequired)
	return model.ReviewMetadata{
		State:        &state,
		MissingSpec:  []string{},
		UnneededSpec: []string{},
	}
}

// FromRun lifts the review snapshot stored on a run back into a
// ReviewMetadata, with all structured flags unknown.
func FromRun(run *model.EnrichmentRun) model.ReviewMetadata {
	if run == nil {
		return Cleared()
	}
	md := model.ReviewMetadata{
		Decision:     run.LastReviewDecision,
		Notes:        run.LastReviewNotes,
		ReviewedBy:   run.ReviewedBy,
		MissingSpec:  []string{},
		UnneededSpec: []string{},
	}
	if run.ReviewState != "" {
		state := string(run.ReviewState)
		md.State = &state
	}
	return md
}

// Resolve decides the review metadata carried across a restart.
// Exactly one of three branches applies:
//   - a supplied payload replaces the stored snapshot verbatim,
//   - an explicit clear with no payload drops it entirely,
//   - otherwise the stored snapshot is preserved unchanged.
func Resolve(existing *model.EnrichmentRun, supplied *model.ReviewPayload, clear bool) model.ReviewMetadata {
	if supplied != nil {
		md := Normalize(supplied)
		if md.State == nil && existing != nil && existing.ReviewState != "" {
			state := string(existing.ReviewState)
			md.State = &state
		}
		return md
	}
	if clear {
		return Cleared()
	}
	return FromRun(existing)
}

// State extracts the review state from resolved metadata, defaulting to
// not_required.
func State(md model.ReviewMetadata) model.ReviewState {
	if md.State == nil || strings.TrimSpace(*md.State) == "" {
		return model.ReviewStateNotRequired
	}
	return model.ReviewState(strings.TrimSpace(*md.State))
}
