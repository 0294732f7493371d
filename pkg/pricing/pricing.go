// Package pricing estimates request cost from token usage and a per-model
// price table.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrUnknownPricing is the class of lookups for models without a price entry.
var ErrUnknownPricing = errors.New("unknown pricing")

// UnknownPricingError names the model that has no price entry.
type UnknownPricingError struct {
	Model string
}

func (e *UnknownPricingError) Error() string {
	return fmt.Sprintf("no pricing for model %q", e.Model)
}

func (e *UnknownPricingError) Unwrap() error { return ErrUnknownPricing }

const perMillion = 1_000_000

// Table maps model ids to prices. Lookups try an exact match first, then
// the longest configured prefix, so "claude-3-5-sonnet" prices
// "claude-3-5-sonnet-20241022".
type Table struct {
	exact    map[string]models.ModelPricing
	prefixes []string
}

// NewTable builds a Table from a price list. Later entries for the same
// model replace earlier ones.
func NewTable(list []models.ModelPricing) *Table {
	t := &Table{exact: make(map[string]models.ModelPricing, len(list))}
	for _, p := range list {
		if _, dup := t.exact[p.Model]; !dup {
			t.prefixes = append(t.prefixes, p.Model)
		}
		t.exact[p.Model] = p
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i]) > len(t.prefixes[j])
	})
	return t
}

// Lookup returns the price entry for model.
func (t *Table) Lookup(model string) (models.ModelPricing, bool) {
	if t == nil {
		return models.ModelPricing{}, false
	}
	if p, ok := t.exact[model]; ok {
		return p, true
	}
	for _, prefix := range t.prefixes {
		if prefix != "" && strings.HasPrefix(model, prefix) {
			return t.exact[prefix], true
		}
	}
	return models.ModelPricing{}, false
}

// Len returns the number of configured models.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.exact)
}

// Cost prices usage with p. Missing cache prices default to the input
// price for writes and 10% of it for reads.
func Cost(usage models.TokenUsage, p models.ModelPricing) float64 {
	writePerM := p.CacheWritePerM
	if writePerM == 0 {
		writePerM = p.InputPerM
	}
	readPerM := p.CacheReadPerM
	if readPerM == 0 {
		readPerM = p.InputPerM * 0.1
	}
	return (float64(usage.InputTokens)*p.InputPerM +
		float64(usage.OutputTokens)*p.OutputPerM +
		float64(usage.CacheWriteTokens)*writePerM +
		float64(usage.CacheReadTokens)*readPerM) / perMillion
}

// Estimate prices usage for model. An unpriced model yields 0 and an
// *UnknownPricingError.
func Estimate(usage models.TokenUsage, table *Table, model string) (float64, error) {
	p, ok := table.Lookup(model)
	if !ok {
		return 0, &UnknownPricingError{Model: model}
	}
	return Cost(usage, p), nil
}
