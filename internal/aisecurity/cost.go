package aisecurity

// Per-token USD prices by model.
var (
	inputRates = map[string]float64{
		"claude-3-sonnet": 0.000003,
		"claude-3-haiku":  0.00000025,
		"gpt-4":           0.00003,
		"gpt-3.5-turbo":   0.000002,
	}
	outputRates = map[string]float64{
		"claude-3-sonnet": 0.000015,
		"claude-3-haiku":  0.00000125,
		"gpt-4":           0.00006,
		"gpt-3.5-turbo":   0.000002,
	}
)

const (
	defaultInputRate  = 0.000003
	defaultOutputRate = 0.000015
	promptBaseTokens  = 500
	maxEstimateUSD    = 0.05
	maxActualUSD      = 0.25
)

// EstimateTokens approximates the token count of English text.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateCost prices a request before it is sent: the input plus the
// system prompt, tripled to cover the reply.
func EstimateCost(text, model string) float64 {
	rate, ok := inputRates[model]
	if !ok {
		rate = defaultInputRate
	}
	tokens := EstimateTokens(text) + promptBaseTokens
	return min(float64(tokens)*rate*3, maxEstimateUSD)
}

// ActualCost prices a completed request from reported token counts. With no
// counts it falls back to the estimate for input.
func ActualCost(model string, inputTokens, outputTokens int, input string) float64 {
	if inputTokens == 0 && outputTokens == 0 {
		return EstimateCost(input, model)
	}
	in, ok := inputRates[model]
	if !ok {
		in = defaultInputRate
	}
	out, ok := outputRates[model]
	if !ok {
		out = defaultOutputRate
	}
	return min(float64(inputTokens)*in+float64(outputTokens)*out, maxActualUSD)
}
