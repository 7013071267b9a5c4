// Package cost derives the monetary cost of a completed extraction from
// the engine-reported usage counts and a pricing snapshot. All arithmetic
// is fixed-point decimal; nothing here touches floats.
package cost

import (
	"github.com/shopspring/decimal"

	"docbackend/domain"
	"docbackend/pricing"
)

var thousand = decimal.NewFromInt(1000)

// Compute is pure and deterministic: same inputs, same breakdown.
//
//	extraction = pages * per_page
//	llm        = input/1000 * input_per_1k + output/1000 * output_per_1k
//
// Components are rounded to 4 decimal places before summing, so the total
// is always the exact sum of the stored components.
func Compute(pages int, usage domain.TokenUsage, snap pricing.Snapshot) domain.CostBreakdown {
	extraction := decimal.NewFromInt(int64(pages)).Mul(snap.PerPage).Round(4)

	input := decimal.NewFromInt(usage.Input).Div(thousand).Mul(snap.InputPer1K)
	output := decimal.NewFromInt(usage.Output).Div(thousand).Mul(snap.OutputPer1K)
	llm := input.Add(output).Round(4)

	return domain.CostBreakdown{
		Extraction: extraction,
		LLM:        llm,
		Total:      extraction.Add(llm),
		Model:      snap.ModelName,
	}
}
