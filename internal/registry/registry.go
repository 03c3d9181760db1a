// Package registry holds the static, compile-time table of model
// capabilities, free-tier limits, and quality ratings that the classifier
// and scheduler route against.
package registry

import "sort"

// Complexity is a totally ordered task-complexity level.
type Complexity int

const (
	Trivial Complexity = iota
	Simple
	Medium
	Complex
	Expert
)

func (c Complexity) String() string {
	switch c {
	case Trivial:
		return "trivial"
	case Simple:
		return "simple"
	case Medium:
		return "medium"
	case Complex:
		return "complex"
	case Expert:
		return "expert"
	default:
		return "unknown"
	}
}

// Spec is the static capability row for one model.
type Spec struct {
	ID               string
	Provider         string
	DisplayName      string
	CodeQuality      int // 1-5
	SupportsThinking bool
	InputTokenLimit  int
	OutputTokenLimit int
	FreeRPM          int
	FreeRPD          int
	FreeTPM          int
	MinComplexity    Complexity
	Deprecated       bool
}

// models is the static table. Ordered from highest quality to lowest, the
// same order the provider's own model catalogue documents it in.
var models = []Spec{
	{
		ID:               "gemini-3-pro-preview",
		Provider:         "google",
		DisplayName:      "Gemini 3 Pro Preview",
		CodeQuality:      5,
		SupportsThinking: true,
		InputTokenLimit:  1_048_576,
		OutputTokenLimit: 65_536,
		FreeRPM:          10,
		FreeRPD:          100,
		FreeTPM:          250_000,
		MinComplexity:    Complex,
		Deprecated:       false,
	},
	{
		ID:               "gemini-3-flash-preview",
		Provider:         "google",
		DisplayName:      "Gemini 3 Flash Preview",
		CodeQuality:      4,
		SupportsThinking: true,
		InputTokenLimit:  1_048_576,
		OutputTokenLimit: 65_536,
		FreeRPM:          10,
		FreeRPD:          250,
		FreeTPM:          250_000,
		MinComplexity:    Medium,
		Deprecated:       false,
	},
	{
		ID:               "gemini-2.5-pro",
		Provider:         "google",
		DisplayName:      "Gemini 2.5 Pro",
		CodeQuality:      4,
		SupportsThinking: true,
		InputTokenLimit:  1_048_576,
		OutputTokenLimit: 65_536,
		FreeRPM:          5,
		FreeRPD:          100,
		FreeTPM:          250_000,
		MinComplexity:    Complex,
		Deprecated:       false,
	},
	{
		ID:               "gemini-2.5-flash",
		Provider:         "google",
		DisplayName:      "Gemini 2.5 Flash",
		CodeQuality:      3,
		SupportsThinking: true,
		InputTokenLimit:  1_048_576,
		OutputTokenLimit: 65_536,
		FreeRPM:          10,
		FreeRPD:          250,
		FreeTPM:          250_000,
		MinComplexity:    Simple,
		Deprecated:       false,
	},
	{
		ID:               "gemini-2.5-flash-lite",
		Provider:         "google",
		DisplayName:      "Gemini 2.5 Flash-Lite",
		CodeQuality:      2,
		SupportsThinking: true,
		InputTokenLimit:  1_048_576,
		OutputTokenLimit: 65_536,
		FreeRPM:          15,
		FreeRPD:          1_000,
		FreeTPM:          250_000,
		MinComplexity:    Trivial,
		Deprecated:       false,
	},
	{
		ID:               "gemini-2.0-flash",
		Provider:         "google",
		DisplayName:      "Gemini 2.0 Flash",
		CodeQuality:      2,
		SupportsThinking: false,
		InputTokenLimit:  1_048_576,
		OutputTokenLimit: 8_192,
		FreeRPM:          15,
		FreeRPD:          1_500,
		FreeTPM:          250_000,
		MinComplexity:    Trivial,
		Deprecated:       true, // retiring March 31, 2026
	},
}

// cascade is the fixed fallback order used when capacity exhausts on the
// current model: lite -> flash -> 3-flash -> 2.5-pro -> 3-pro.
var cascade = []string{
	"gemini-2.5-flash-lite",
	"gemini-2.5-flash",
	"gemini-3-flash-preview",
	"gemini-2.5-pro",
	"gemini-3-pro-preview",
}

// All returns every model in the static table, including deprecated
// entries, in catalogue order.
func All() []Spec {
	out := make([]Spec, len(models))
	copy(out, models)
	return out
}

// Get looks up a model spec by its API identifier.
func Get(id string) (Spec, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return Spec{}, false
}

func candidatesFor(complexity Complexity) []Spec {
	var out []Spec
	for _, m := range models {
		if !m.Deprecated && m.MinComplexity <= complexity {
			out = append(out, m)
		}
	}
	return out
}

// CheapestFor returns, among non-deprecated specs whose MinComplexity is at
// or below complexity, the one with the highest free RPD (ties broken by
// lowest quality).
func CheapestFor(complexity Complexity) (Spec, bool) {
	candidates := candidatesFor(complexity)
	if len(candidates) == 0 {
		return Spec{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FreeRPD != candidates[j].FreeRPD {
			return candidates[i].FreeRPD > candidates[j].FreeRPD
		}
		return candidates[i].CodeQuality < candidates[j].CodeQuality
	})
	return candidates[0], true
}

// BestFor returns, among the same candidates as CheapestFor, the one with
// the highest quality.
func BestFor(complexity Complexity) (Spec, bool) {
	candidates := candidatesFor(complexity)
	if len(candidates) == 0 {
		return Spec{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CodeQuality > candidates[j].CodeQuality
	})
	return candidates[0], true
}

// ModelsFor returns all models suitable for complexity, cheapest-first.
func ModelsFor(complexity Complexity) []Spec {
	candidates := candidatesFor(complexity)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FreeRPD != candidates[j].FreeRPD {
			return candidates[i].FreeRPD > candidates[j].FreeRPD
		}
		return candidates[i].CodeQuality < candidates[j].CodeQuality
	})
	return candidates
}

// Cascade returns the fixed fallback order, lite to most capable.
func Cascade() []string {
	out := make([]string, len(cascade))
	copy(out, cascade)
	return out
}

// FallbackFor returns the next non-deprecated entry strictly above model in
// the cascade, or ("", false) when model is at the top or not in the
// cascade at all.
func FallbackFor(model string) (string, bool) {
	idx := -1
	for i, id := range cascade {
		if id == model {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	for i := idx + 1; i < len(cascade); i++ {
		if spec, ok := Get(cascade[i]); ok && !spec.Deprecated {
			return cascade[i], true
		}
	}
	return "", false
}

// AggregateCapacity computes total free-tier capacity across numKeys
// identical keys for a model: (totalRPM, totalRPD, totalTPM).
func AggregateCapacity(model Spec, numKeys int) (int, int, int) {
	return model.FreeRPM * numKeys, model.FreeRPD * numKeys, model.FreeTPM * numKeys
}
