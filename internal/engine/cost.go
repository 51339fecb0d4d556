package engine

import "github.com/shopspring/decimal"

// costTable prices token totals per model and keeps an exact running sum.
type costTable struct {
	rates       map[string]decimal.Decimal
	defaultRate decimal.Decimal
	sum         decimal.Decimal
}

func newCostTable(rates map[string]float64, defaultRate float64) *costTable {
	t := &costTable{
		rates:       make(map[string]decimal.Decimal, len(rates)),
		defaultRate: decimal.NewFromFloat(defaultRate),
	}
	for m, r := range rates {
		t.rates[m] = decimal.NewFromFloat(r)
	}
	return t
}

// rate returns the per-token rate for model, falling back to the default.
func (t *costTable) rate(model string) decimal.Decimal {
	if r, ok := t.rates[model]; ok {
		return r
	}
	return t.defaultRate
}

// add prices tokens for model, adds the cost to the total and returns it.
func (t *costTable) add(model string, tokens int64) float64 {
	c := decimal.NewFromInt(tokens).Mul(t.rate(model))
	t.sum = t.sum.Add(c)
	return c.InexactFloat64()
}

func (t *costTable) total() float64 {
	return t.sum.InexactFloat64()
}

