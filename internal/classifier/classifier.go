// Package classifier maps prompt text to a task complexity level, and
// complexity to a recommended model plus fallback cascade, using fixed
// structural signals rather than a model call.
package classifier

import (
	"strings"

	"github.com/keyvaultd/keyvaultd/internal/registry"
)

var expertPatterns = []string{
	"cross-crate", "cross crate", "architecture",
	"system design", "redesign", "refactor entire",
	"restructure", "migrate from", "rewrite the",
	"design pattern", "dependency injection",
}

var trivialPatterns = []string{
	"rename", "import", "use statement",
	"fix typo", "remove unused", "delete line",
	"add comma", "fix syntax", "one-line",
	"single line", "change name",
}

var simplePatterns = []string{
	"test", "struct", "enum", "boilerplate",
	"scaffold", "template", "skeleton",
	"add field", "add method", "derive",
	"doc comment", "documentation",
}

var complexPatterns = []string{
	"algorithm", "security", "cryptograph", "encryption",
	"concurrent", "async", "parallel", "thread-safe",
	"thread safe", "race condition", "deadlock",
	"state machine", "parser", "lexer", "ast",
	"protocol", "serialization", "deserialization",
	"zero-copy", "unsafe", "lifetime",
	"trait object", "dynamic dispatch",
}

var fileExtensions = []string{".rs ", ".ts ", ".js ", ".py ", ".go ", ".toml", ".json", ".yaml"}

var mediumPatterns = []string{
	"implement", "function", "method", "refactor",
	"handler", "endpoint", "api", "route",
	"module", "component", "service",
	"error handling", "validation", "convert",
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func countHits(s string, patterns []string) int {
	n := 0
	for _, p := range patterns {
		if strings.Contains(s, p) {
			n++
		}
	}
	return n
}

// Classify examines prompt for structural signals, evaluated in a fixed
// priority, and returns the estimated task complexity.
func Classify(prompt string) registry.Complexity {
	lower := strings.ToLower(prompt)
	wordCount := len(strings.Fields(prompt))

	if containsAny(lower, expertPatterns) {
		return registry.Expert
	}

	// Short prompts: check trivial/simple before anything else.
	if wordCount <= 15 {
		if containsAny(lower, trivialPatterns) {
			return registry.Trivial
		}
		if containsAny(lower, simplePatterns) {
			return registry.Simple
		}
	}

	if containsAny(lower, complexPatterns) {
		return registry.Complex
	}

	fileRefs := 0
	for _, ext := range fileExtensions {
		fileRefs += strings.Count(lower, ext)
	}
	if fileRefs >= 4 {
		return registry.Complex
	}

	mediumHits := countHits(lower, mediumPatterns)
	if mediumHits >= 2 || fileRefs >= 2 {
		return registry.Medium
	}

	// Long prompts: simple/trivial keywords still count, just evaluated later.
	if containsAny(lower, simplePatterns) {
		return registry.Simple
	}
	if containsAny(lower, trivialPatterns) {
		return registry.Trivial
	}

	switch {
	case wordCount <= 20:
		return registry.Simple
	case wordCount <= 80:
		return registry.Medium
	default:
		return registry.Complex
	}
}

// SelectModel picks the recommended starting model for complexity:
// trivial/simple route to the cheapest capable model, medium to the
// 3-flash-preview/2.5-flash pair, complex to the pro-preview/2.5-pro pair,
// and expert to the single best model.
func SelectModel(complexity registry.Complexity) registry.Spec {
	switch complexity {
	case registry.Trivial, registry.Simple:
		if spec, ok := registry.CheapestFor(complexity); ok {
			return spec
		}
	case registry.Medium:
		if spec, ok := registry.Get("gemini-3-flash-preview"); ok {
			return spec
		}
		if spec, ok := registry.Get("gemini-2.5-flash"); ok {
			return spec
		}
	case registry.Complex:
		if spec, ok := registry.Get("gemini-3-pro-preview"); ok {
			return spec
		}
		if spec, ok := registry.Get("gemini-2.5-pro"); ok {
			return spec
		}
	case registry.Expert:
		if spec, ok := registry.BestFor(complexity); ok {
			return spec
		}
	}
	spec, _ := registry.BestFor(registry.Expert)
	return spec
}

// FallbackFor returns the next model up the fixed cascade from model, or
// ("", false) when there is none.
func FallbackFor(model string) (string, bool) {
	return registry.FallbackFor(model)
}
