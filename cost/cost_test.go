package cost

import (
	"testing"

	"github.com/shopspring/decimal"

	"docbackend/domain"
	"docbackend/pricing"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestComputeKnownVector(t *testing.T) {
	snap := pricing.Snapshot{
		PerPage:     dec(t, "0.015"),
		InputPer1K:  dec(t, "0.0025"),
		OutputPer1K: dec(t, "0.01"),
	}
	got := Compute(10, domain.TokenUsage{Input: 5000, Output: 800}, snap)

	if !got.Extraction.Equal(dec(t, "0.15")) {
		t.Fatalf("extraction = %s, want 0.15", got.Extraction)
	}
	if !got.LLM.Equal(dec(t, "0.0205")) {
		t.Fatalf("llm = %s, want 0.0205", got.LLM)
	}
	if !got.Total.Equal(dec(t, "0.1705")) {
		t.Fatalf("total = %s, want 0.1705", got.Total)
	}
}

func TestComputeDeterministic(t *testing.T) {
	snap := pricing.Snapshot{
		PerPage:     dec(t, "0.015"),
		InputPer1K:  dec(t, "0.00015"),
		OutputPer1K: dec(t, "0.0006"),
	}
	usage := domain.TokenUsage{Input: 123457, Output: 98765}
	first := Compute(37, usage, snap)
	for i := 0; i < 100; i++ {
		again := Compute(37, usage, snap)
		if !again.Total.Equal(first.Total) || !again.LLM.Equal(first.LLM) {
			t.Fatalf("run %d diverged: %s vs %s", i, again.Total, first.Total)
		}
	}
	if !first.Total.Equal(first.Extraction.Add(first.LLM)) {
		t.Fatalf("total %s is not the sum of components %s + %s", first.Total, first.Extraction, first.LLM)
	}
}

func TestComputeRoundsComponents(t *testing.T) {
	snap := pricing.Snapshot{
		PerPage:     dec(t, "0.0000333"),
		InputPer1K:  dec(t, "0.0000777"),
		OutputPer1K: dec(t, "0"),
	}
	got := Compute(1, domain.TokenUsage{Input: 1000}, snap)
	if got.Extraction.Exponent() < -4 || got.LLM.Exponent() < -4 {
		t.Fatalf("components not rounded to 4 places: %s / %s", got.Extraction, got.LLM)
	}
}

func TestComputeZeroUsage(t *testing.T) {
	snap := pricing.Snapshot{
		PerPage:     dec(t, "0.015"),
		InputPer1K:  dec(t, "0.00015"),
		OutputPer1K: dec(t, "0.0006"),
	}
	got := Compute(0, domain.TokenUsage{}, snap)
	if !got.Total.IsZero() {
		t.Fatalf("zero usage must cost zero, got %s", got.Total)
	}
}

func TestAggregationNoDrift(t *testing.T) {
	snap := pricing.Snapshot{
		PerPage:     dec(t, "0.015"),
		InputPer1K:  dec(t, "0.00015"),
		OutputPer1K: dec(t, "0.0006"),
	}
	sum := decimal.Zero
	one := Compute(3, domain.TokenUsage{Input: 700, Output: 300}, snap)
	for i := 0; i < 1000; i++ {
		sum = sum.Add(one.Total)
	}
	if !sum.Equal(one.Total.Mul(decimal.NewFromInt(1000))) {
		t.Fatalf("repeated aggregation drifted: %s", sum)
	}
}
