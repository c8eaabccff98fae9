package stream

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/chatstream/internal/usage"
)

const replyTemplate = "Understood. I am preparing a usage visualization based on your request: '%s'..."

// ReplyWords expands the reply template for prompt and splits it into words.
// Joining the words with single spaces gives the persisted reply text.
func ReplyWords(prompt string) []string {
	return strings.Fields(fmt.Sprintf(replyTemplate, strings.TrimSpace(prompt)))
}

// UsageChart is the structured payload sent after the text: a bar chart of
// the interaction's token accounting.
func UsageChart(model string, est usage.Estimate) StructuredPayload {
	return StructuredPayload{
		Kind: "bar",
		Data: ChartData{
			Title:  fmt.Sprintf("Token Usage (%s)", model),
			Labels: []string{"Prompt Tokens", "Response Tokens", "Total Tokens"},
			Values: []float64{
				float64(est.PromptTokens),
				float64(est.ResponseTokens),
				float64(est.TotalTokens),
			},
		},
	}
}
