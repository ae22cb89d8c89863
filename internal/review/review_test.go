package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regalhq/regal/internal/model"
)

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestFlag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    any
		expected *bool
	}{
		{name: "nil", input: nil, expected: nil},
		{name: "bool true", input: true, expected: boolPtr(true)},
		{name: "bool false", input: false, expected: boolPtr(false)},
		{name: "number one", input: float64(1), expected: boolPtr(true)},
		{name: "number zero", input: float64(0), expected: boolPtr(false)},
		{name: "number other", input: float64(7), expected: nil},
		{name: "string true", input: "true", expected: boolPtr(true)},
		{name: "string yes", input: "YES", expected: boolPtr(true)},
		{name: "string y", input: "y", expected: boolPtr(true)},
		{name: "string ja", input: "Ja", expected: boolPtr(true)},
		{name: "string false", input: "false", expected: boolPtr(false)},
		{name: "string no", input: "no", expected: boolPtr(false)},
		{name: "string n", input: " N ", expected: boolPtr(false)},
		{name: "string nein", input: "nein", expected: boolPtr(false)},
		{name: "string unknown", input: "maybe", expected: nil},
		{name: "string empty", input: "   ", expected: nil},
		{name: "unsupported type", input: []int{1}, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Flag(tt.input))
		})
	}
}

func TestSpecList(t *testing.T) {
	t.Parallel()

	t.Run("trims dedupes and drops empties", func(t *testing.T) {
		t.Parallel()
		got := SpecList([]any{" Höhe ", "höhe", "Breite", "", "  "})
		assert.Equal(t, []string{"Höhe", "Breite"}, got)
	})

	t.Run("caps at ten entries", func(t *testing.T) {
		t.Parallel()
		input := make([]any, 0, 14)
		for _, s := range []string{
			"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n",
		} {
			input = append(input, s)
		}
		got := SpecList(input)
		require.Len(t, got, 10)
		assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, got)
	})

	t.Run("comma separated string", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"weight", "depth"}, SpecList("weight, depth, weight"))
	})

	t.Run("nil is empty not null", func(t *testing.T) {
		t.Parallel()
		got := SpecList(nil)
		require.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	md := Normalize(&model.ReviewPayload{
		Decision:                " Reject ",
		InformationPresent:      "ja",
		BadFormat:               float64(0),
		WrongInformation:        "unclear",
		WrongPhysicalDimensions: true,
		MissingSpec:             []any{"weight"},
		Notes:                   "  too sparse  ",
		ReviewedBy:              "reviewer-1",
	})

	assert.Equal(t, strPtr("reject"), md.Decision)
	assert.Equal(t, boolPtr(true), md.InformationPresent)
	assert.Equal(t, boolPtr(false), md.BadFormat)
	assert.Nil(t, md.WrongInformation)
	assert.Equal(t, boolPtr(true), md.WrongPhysicalDimensions)
	assert.Equal(t, []string{"weight"}, md.MissingSpec)
	assert.Empty(t, md.UnneededSpec)
	assert.Equal(t, strPtr("too sparse"), md.Notes)
	assert.Equal(t, strPtr("reviewer-1"), md.ReviewedBy)
}

func existingRun() *model.EnrichmentRun {
	return &model.EnrichmentRun{
		Key:                "R-1",
		SearchQuery:        "prior query",
		Status:             model.RunStatusReview,
		ReviewState:        model.ReviewStatePending,
		ReviewedBy:         strPtr("reviewer-1"),
		LastReviewDecision: strPtr("reject"),
		LastReviewNotes:    strPtr("missing dimensions"),
		LastModified:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestResolvePreservesWithoutPayload(t *testing.T) {
	t.Parallel()

	md := Resolve(existingRun(), nil, false)

	assert.Equal(t, strPtr("reject"), md.Decision)
	assert.Equal(t, strPtr("missing dimensions"), md.Notes)
	assert.Equal(t, strPtr("reviewer-1"), md.ReviewedBy)
	assert.Equal(t, model.ReviewStatePending, State(md))
}

func TestResolveReplacesWithPayload(t *testing.T) {
	t.Parallel()

	md := Resolve(existingRun(), &model.ReviewPayload{
		Notes:       "updated guidance",
		MissingSpec: []any{"weight"},
	}, false)

	assert.Equal(t, strPtr("updated guidance"), md.Notes)
	assert.Nil(t, md.Decision)
	assert.Nil(t, md.ReviewedBy)
	assert.Equal(t, []string{"weight"}, md.MissingSpec)
	// State falls back to the stored sub-state when the payload omits it.
	assert.Equal(t, model.ReviewStatePending, State(md))
}

func TestResolveClearsOnExplicitFlag(t *testing.T) {
	t.Parallel()

	md := Resolve(existingRun(), nil, true)

	assert.Nil(t, md.Decision)
	assert.Nil(t, md.Notes)
	assert.Nil(t, md.ReviewedBy)
	assert.Equal(t, model.ReviewStateNotRequired, State(md))
}

func TestResolveWithNoRunAndNoPayload(t *testing.T) {
	t.Parallel()

	md := Resolve(nil, nil, false)
	assert.Equal(t, model.ReviewStateNotRequired, State(md))
	assert.NotNil(t, md.MissingSpec)
	assert.NotNil(t, md.UnneededSpec)
}
