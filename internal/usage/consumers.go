// Package usage attributes estimated context-window tokens to their
// consumers: user text, assistant text, assistant reasoning, and each
// tool in play.
package usage

import (
	"sort"

	"github.com/cmux/cmux/internal/tokenizer"
	"github.com/cmux/cmux/pkg/chat"
)

// Well-known consumer names.
const (
	ConsumerUser      = "User"
	ConsumerAssistant = "Assistant"
	ConsumerReasoning = "Assistant (reasoning)"
)

// Consumer is one row of the token breakdown, largest first.
type Consumer struct {
	Name   string `json:"name"`
	Tokens int    `json:"tokens"`

	// Tool consumers split their total into the one-time definition
	// overhead and the per-call input/output volume.
	FixedTokens    int `json:"fixedTokens,omitempty"`
	VariableTokens int `json:"variableTokens,omitempty"`

	Percentage float64 `json:"percentage"`
}

// CalculateConsumers estimates where the context window goes.
// toolDefinitions maps tool name to its serialized definition (schema +
// description), charged once per tool that appears in the transcript.
func CalculateConsumers(messages []chat.Message, toolDefinitions map[string]string, tok tokenizer.Tokenizer) []Consumer {
	var userTokens, assistantTokens, reasoningTokens int
	toolVariable := make(map[string]int)

	for _, msg := range messages {
		for _, part := range msg.Parts {
			switch part.Type {
			case chat.PartTypeText:
				if msg.Role == chat.RoleUser {
					userTokens += tok.Count(part.Text)
				} else {
					assistantTokens += tok.Count(part.Text)
				}
			case chat.PartTypeReasoning:
				reasoningTokens += tok.Count(part.Text)
			case chat.PartTypeTool:
				variable := tok.Count(string(part.Input)) + tok.Count(string(part.Output)) + tok.Count(part.ErrorText)
				toolVariable[part.ToolName] += variable
			}
		}
	}

	var consumers []Consumer
	if userTokens > 0 {
		consumers = append(consumers, Consumer{Name: ConsumerUser, Tokens: userTokens})
	}
	if assistantTokens > 0 {
		consumers = append(consumers, Consumer{Name: ConsumerAssistant, Tokens: assistantTokens})
	}
	if reasoningTokens > 0 {
		consumers = append(consumers, Consumer{Name: ConsumerReasoning, Tokens: reasoningTokens})
	}
	for name, variable := range toolVariable {
		fixed := tok.Count(toolDefinitions[name])
		consumers = append(consumers, Consumer{
			Name:           name,
			Tokens:         fixed + variable,
			FixedTokens:    fixed,
			VariableTokens: variable,
		})
	}

	total := 0
	for _, c := range consumers {
		total += c.Tokens
	}
	if total == 0 {
		return nil
	}
	for i := range consumers {
		consumers[i].Percentage = float64(consumers[i].Tokens) / float64(total) * 100
	}

	sort.SliceStable(consumers, func(i, j int) bool {
		return consumers[i].Tokens > consumers[j].Tokens
	})
	return consumers
}
