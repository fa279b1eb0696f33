package prompt

import (
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// charsPerToken approximates tokenizer output for English prose.
	charsPerToken         = 4
	messageOverheadTokens = 4
)

// EstimateTokens returns a rough token count for text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// TrimHistory drops the oldest messages until the remainder fits in budget tokens.
// It returns the kept messages and how many were dropped.
func TrimHistory(history []openai.ChatCompletionMessage, budget int) ([]openai.ChatCompletionMessage, int) {
	if budget <= 0 {
		return nil, len(history)
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Content) + messageOverheadTokens
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}

	// An assistant reply at the head has lost the question it answered.
	for start < len(history) && history[start].Role == openai.ChatMessageRoleAssistant {
		start++
	}
	return history[start:], start
}
