package llm

import "strings"

// price is dollars per 1K tokens, (input, output).
type price struct {
	in  float64
	out float64
}

// priceTable maps model-name prefixes to prices. Matched by longest prefix;
// unknown models are billed at the most expensive tier so cost guards stay
// conservative.
var priceTable = map[string]price{
	"gpt-4o":            {0.0025, 0.01},
	"gpt-4o-mini":       {0.00015, 0.0006},
	"gpt-4-turbo":       {0.01, 0.03},
	"gpt-4":             {0.03, 0.06},
	"gpt-3.5-turbo":     {0.0005, 0.0015},
	"o1":                {0.015, 0.06},
	"o1-mini":           {0.0011, 0.0044},
	"claude-3-opus":     {0.015, 0.075},
	"claude-3-5-sonnet": {0.003, 0.015},
	"claude-3-5-haiku":  {0.0008, 0.004},
	"claude-3-sonnet":   {0.003, 0.015},
	"claude-3-haiku":    {0.00025, 0.00125},
}

// premiumPrice is the default tier for unknown models.
var premiumPrice = price{0.015, 0.075}

func modelPrice(model string) price {
	best := ""
	for prefix := range priceTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return premiumPrice
	}
	return priceTable[best]
}

// Cost returns the dollar cost of a call against the price table.
func Cost(model string, promptTokens, completionTokens int) float64 {
	p := modelPrice(model)
	return float64(promptTokens)/1000*p.in + float64(completionTokens)/1000*p.out
}
