package registry

import "testing"

func TestGet(t *testing.T) {
	spec, ok := Get("gemini-2.5-flash-lite")
	if !ok {
		t.Fatal("expected gemini-2.5-flash-lite to exist")
	}
	if spec.FreeRPD != 1000 {
		t.Errorf("FreeRPD = %d, want 1000", spec.FreeRPD)
	}

	if _, ok := Get("does-not-exist"); ok {
		t.Error("expected lookup of unknown model to fail")
	}
}

func TestCheapestForPrefersHighestRPD(t *testing.T) {
	spec, ok := CheapestFor(Trivial)
	if !ok {
		t.Fatal("expected a candidate for trivial complexity")
	}
	if spec.ID != "gemini-2.5-flash-lite" {
		t.Errorf("CheapestFor(Trivial) = %s, want gemini-2.5-flash-lite", spec.ID)
	}
}

func TestCheapestForExcludesDeprecated(t *testing.T) {
	// gemini-2.0-flash has a higher RPD (1500) than gemini-2.5-flash-lite
	// (1000) but is deprecated, so it must never be selected.
	spec, ok := CheapestFor(Trivial)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if spec.Deprecated {
		t.Errorf("CheapestFor returned a deprecated model: %s", spec.ID)
	}
}

func TestBestForPrefersHighestQuality(t *testing.T) {
	spec, ok := BestFor(Expert)
	if !ok {
		t.Fatal("expected a candidate for expert complexity")
	}
	if spec.ID != "gemini-3-pro-preview" {
		t.Errorf("BestFor(Expert) = %s, want gemini-3-pro-preview", spec.ID)
	}
}

func TestBestForRespectsMinComplexity(t *testing.T) {
	// gemini-2.5-flash-lite is non-deprecated with MinComplexity Trivial, so
	// every complexity level has at least one candidate.
	for c := Trivial; c <= Expert; c++ {
		if _, ok := BestFor(c); !ok {
			t.Errorf("BestFor(%s) returned no candidate", c)
		}
	}
}

func TestModelsForIsCheapestFirst(t *testing.T) {
	specs := ModelsFor(Expert)
	if len(specs) < 2 {
		t.Fatalf("expected at least 2 candidates, got %d", len(specs))
	}
	for i := 1; i < len(specs); i++ {
		if specs[i-1].FreeRPD < specs[i].FreeRPD {
			t.Errorf("ModelsFor not sorted cheapest-first at index %d", i)
		}
	}
}

func TestFallbackForCascade(t *testing.T) {
	next, ok := FallbackFor("gemini-2.5-flash-lite")
	if !ok || next != "gemini-2.5-flash" {
		t.Errorf("FallbackFor(lite) = (%s, %v), want (gemini-2.5-flash, true)", next, ok)
	}

	// Top of the cascade has no fallback.
	if _, ok := FallbackFor("gemini-3-pro-preview"); ok {
		t.Error("expected no fallback above the top of the cascade")
	}

	// Not in the cascade at all.
	if _, ok := FallbackFor("unknown-model"); ok {
		t.Error("expected no fallback for a model outside the cascade")
	}
}

func TestFallbackMonotonicity(t *testing.T) {
	for _, id := range Cascade() {
		next, ok := FallbackFor(id)
		if !ok {
			continue
		}
		cur, _ := Get(id)
		nextSpec, _ := Get(next)
		if nextSpec.CodeQuality < cur.CodeQuality {
			t.Errorf("fallback %s -> %s decreases quality (%d -> %d)", id, next, cur.CodeQuality, nextSpec.CodeQuality)
		}
	}
}

func TestCascadeTerminates(t *testing.T) {
	seen := make(map[string]bool)
	cur := Cascade()[0]
	for {
		if seen[cur] {
			t.Fatalf("cascade cycle detected at %s", cur)
		}
		seen[cur] = true
		if len(seen) > len(Cascade())+1 {
			t.Fatal("cascade did not terminate within registry size")
		}
		next, ok := FallbackFor(cur)
		if !ok {
			break
		}
		cur = next
	}
}

func TestAllReturnsEveryModelIncludingDeprecated(t *testing.T) {
	all := All()
	if len(all) < 2 {
		t.Fatalf("expected multiple models, got %d", len(all))
	}
	found := false
	for _, m := range all {
		if m.ID == "gemini-2.0-flash" && m.Deprecated {
			found = true
		}
	}
	if !found {
		t.Error("expected All() to include the deprecated gemini-2.0-flash entry")
	}
}

func TestAggregateCapacity(t *testing.T) {
	spec, _ := Get("gemini-2.5-flash-lite")
	rpm, rpd, tpm := AggregateCapacity(spec, 3)
	if rpm != spec.FreeRPM*3 || rpd != spec.FreeRPD*3 || tpm != spec.FreeTPM*3 {
		t.Errorf("AggregateCapacity(3) = (%d,%d,%d), want (%d,%d,%d)",
			rpm, rpd, tpm, spec.FreeRPM*3, spec.FreeRPD*3, spec.FreeTPM*3)
	}
}
