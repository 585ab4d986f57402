package llm

// charsPerToken is the approximate average characters per token for GPT
// style tokenizers. Estimation errs low on dense prose, which the safety
// margin absorbs; a provider-side overflow despite a passing estimate is
// classified fatal for that task.
const charsPerToken = 4

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CheckContextFit verifies that input plus the output budget and safety
// margin fit within the context window. Returns a ContextOverflowError
// when they do not.
func CheckContextFit(modelID, input string, contextWindow, maxOutputTokens, safetyMargin int) error {
	inputTokens := EstimateTokens(input)
	if inputTokens+maxOutputTokens+safetyMargin > contextWindow {
		return &ContextOverflowError{
			ModelID:       modelID,
			InputTokens:   inputTokens,
			OutputBudget:  maxOutputTokens,
			SafetyMargin:  safetyMargin,
			ContextWindow: contextWindow,
		}
	}
	return nil
}
