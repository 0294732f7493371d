package pricing

import (
	"errors"
	"math"
	"testing"

	"github.com/pario-ai/llmbatch/pkg/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestEstimateWithCacheRead(t *testing.T) {
	table := NewTable([]models.ModelPricing{
		{Model: "sonnet", InputPerM: 3, OutputPerM: 15, CacheReadPerM: 0.30},
	})
	usage := models.TokenUsage{InputTokens: 1000, OutputTokens: 200, CacheReadTokens: 500}

	got, err := Estimate(usage, table, "sonnet")
	if err != nil {
		t.Fatal(err)
	}
	want := 1000*3e-6 + 200*15e-6 + 500*0.30e-6
	if !almostEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCacheDefaults(t *testing.T) {
	p := models.ModelPricing{Model: "m", InputPerM: 2, OutputPerM: 8}

	write := Cost(models.TokenUsage{CacheWriteTokens: 1_000_000}, p)
	if !almostEqual(write, 2) {
		t.Errorf("cache write should default to input price, got %v", write)
	}
	read := Cost(models.TokenUsage{CacheReadTokens: 1_000_000}, p)
	if !almostEqual(read, 0.2) {
		t.Errorf("cache read should default to 10%% of input, got %v", read)
	}
}

func TestZeroUsageCostsNothing(t *testing.T) {
	table := NewTable([]models.ModelPricing{{Model: "m", InputPerM: 2, OutputPerM: 8}})
	got, err := Estimate(models.TokenUsage{}, table, "m")
	if err != nil || got != 0 {
		t.Errorf("expected 0, nil; got %v, %v", got, err)
	}
}

func TestUnknownModel(t *testing.T) {
	table := NewTable(nil)
	got, err := Estimate(models.TokenUsage{InputTokens: 10}, table, "mystery")
	if got != 0 {
		t.Errorf("expected zero cost, got %v", got)
	}
	var upe *UnknownPricingError
	if !errors.As(err, &upe) || upe.Model != "mystery" {
		t.Fatalf("expected UnknownPricingError for mystery, got %v", err)
	}
	if !errors.Is(err, ErrUnknownPricing) {
		t.Error("expected ErrUnknownPricing class")
	}

	if _, err := Estimate(models.TokenUsage{}, nil, "x"); err == nil {
		t.Error("nil table should report unknown pricing")
	}
}

func TestLookupPrefix(t *testing.T) {
	table := NewTable([]models.ModelPricing{
		{Model: "claude-3-5", InputPerM: 1},
		{Model: "claude-3-5-sonnet", InputPerM: 3},
		{Model: "gpt-4o", InputPerM: 2.5},
	})

	tests := []struct {
		model string
		want  float64
		ok    bool
	}{
		{"gpt-4o", 2.5, true},
		{"claude-3-5-sonnet-20241022", 3, true},
		{"claude-3-5-haiku", 1, true},
		{"gpt-3.5-turbo", 0, false},
	}
	for _, tt := range tests {
		p, ok := table.Lookup(tt.model)
		if ok != tt.ok || p.InputPerM != tt.want {
			t.Errorf("Lookup(%q) = %v/%v, want %v/%v", tt.model, p.InputPerM, ok, tt.want, tt.ok)
		}
	}
}
