// Package commands parses slash commands out of chat input and powers
// client-side completion. Commands form a small tree of keys with
// optional subcommands; anything that is not a registered command
// resolves to an unknown-command result.
package commands

import (
	"sort"
	"strings"
)

// Result types.
const (
	ResultCommand        = "command"
	ResultUnknownCommand = "unknown-command"
)

// Definition is one node in the command tree.
type Definition struct {
	Key         string
	Description string
	Children    []Definition
	// AppendSpace tells completion to add a trailing space after the
	// key, signalling that arguments follow.
	AppendSpace bool
	// Suggestions produces argument completions for a partial token.
	Suggestions func(prefix string) []string
}

// Result is the outcome of parsing a slash command.
type Result struct {
	Type       string   `json:"type"`
	Command    string   `json:"command"`
	Subcommand string   `json:"subcommand,omitempty"`
	Args       []string `json:"args,omitempty"`
}

// Suggestion is one completion candidate at a cursor position.
type Suggestion struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	AppendSpace bool   `json:"appendSpace,omitempty"`
}

// Registry resolves input against a command tree.
type Registry struct {
	defs []Definition
}

// NewRegistry builds a registry over the given definitions.
func NewRegistry(defs []Definition) *Registry {
	return &Registry{defs: defs}
}

// Builtin returns the standard chat command tree.
func Builtin() *Registry {
	return NewRegistry([]Definition{
		{
			Key:         "model",
			Description: "Switch the model, e.g. /model anthropic:claude-sonnet-4-5",
			AppendSpace: true,
		},
		{
			Key:         "thinking",
			Description: "Set the thinking level",
			AppendSpace: true,
			Suggestions: staticSuggestions("off", "low", "medium", "high"),
		},
		{
			Key:         "mode",
			Description: "Switch the tool mode",
			Children: []Definition{
				{Key: "plan", Description: "Read-only investigation, ends with a proposed plan"},
				{Key: "exec", Description: "Full tool access"},
			},
		},
		{
			Key:         "compact",
			Description: "Summarize the conversation to reclaim context",
		},
		{
			Key:         "fork",
			Description: "Fork the workspace into a new one",
			AppendSpace: true,
		},
	})
}

func staticSuggestions(values ...string) func(string) []string {
	return func(prefix string) []string {
		var out []string
		for _, v := range values {
			if strings.HasPrefix(v, prefix) {
				out = append(out, v)
			}
		}
		return out
	}
}

// IsCommand reports whether the input is slash-command shaped.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Tokenize splits input on whitespace, honoring double quotes. Quotes
// group words into one token and are stripped; an unterminated quote
// runs to the end of input.
func Tokenize(input string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	hasToken := false

	for _, r := range input {
		switch {
		case r == '"':
			inQuote = !inQuote
			hasToken = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if hasToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// Parse resolves a slash command. The second return is false when the
// input is not a command at all.
func (r *Registry) Parse(input string) (*Result, bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, false
	}
	tokens := Tokenize(strings.TrimPrefix(trimmed, "/"))
	if len(tokens) == 0 {
		return &Result{Type: ResultUnknownCommand}, true
	}

	def := r.find(tokens[0])
	if def == nil {
		return &Result{Type: ResultUnknownCommand, Command: tokens[0]}, true
	}

	rest := tokens[1:]
	if len(def.Children) > 0 {
		if len(rest) == 0 {
			return &Result{Type: ResultUnknownCommand, Command: def.Key}, true
		}
		child := findIn(def.Children, rest[0])
		if child == nil {
			return &Result{Type: ResultUnknownCommand, Command: def.Key, Subcommand: rest[0]}, true
		}
		return &Result{
			Type:       ResultCommand,
			Command:    def.Key,
			Subcommand: child.Key,
			Args:       rest[1:],
		}, true
	}

	return &Result{Type: ResultCommand, Command: def.Key, Args: rest}, true
}

// SuggestAt returns completions for the token under the cursor.
// Completed tokens stage the walk down the tree; the partial token at
// the cursor filters candidates.
func (r *Registry) SuggestAt(input string, cursor int) []Suggestion {
	if cursor < 0 || cursor > len(input) {
		return nil
	}
	prefix := input[:cursor]
	trimmed := strings.TrimLeft(prefix, " \t")
	if !strings.HasPrefix(trimmed, "/") {
		return nil
	}
	body := strings.TrimPrefix(trimmed, "/")

	tokens := Tokenize(body)
	partial := ""
	// A trailing separator means the last token is complete and the
	// cursor starts a fresh one.
	if len(tokens) > 0 && !endsWithSeparator(body) {
		partial = tokens[len(tokens)-1]
		tokens = tokens[:len(tokens)-1]
	}

	switch len(tokens) {
	case 0:
		return r.topLevelSuggestions(partial)
	case 1:
		def := r.find(tokens[0])
		if def == nil {
			return nil
		}
		if len(def.Children) > 0 {
			return childSuggestions(def.Children, partial)
		}
		if def.Suggestions != nil {
			return valueSuggestions(def.Suggestions(partial))
		}
		return nil
	default:
		return nil
	}
}

func (r *Registry) topLevelSuggestions(partial string) []Suggestion {
	var out []Suggestion
	for _, def := range r.defs {
		if strings.HasPrefix(def.Key, partial) {
			out = append(out, Suggestion{
				Value:       "/" + def.Key,
				Description: def.Description,
				AppendSpace: def.AppendSpace || len(def.Children) > 0,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func childSuggestions(children []Definition, partial string) []Suggestion {
	var out []Suggestion
	for _, c := range children {
		if strings.HasPrefix(c.Key, partial) {
			out = append(out, Suggestion{
				Value:       c.Key,
				Description: c.Description,
				AppendSpace: c.AppendSpace,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func valueSuggestions(values []string) []Suggestion {
	out := make([]Suggestion, len(values))
	for i, v := range values {
		out[i] = Suggestion{Value: v}
	}
	return out
}

func (r *Registry) find(key string) *Definition {
	return findIn(r.defs, key)
}

func findIn(defs []Definition, key string) *Definition {
	for i := range defs {
		if defs[i].Key == key {
			return &defs[i]
		}
	}
	return nil
}

func endsWithSeparator(s string) bool {
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last == ' ' || last == '\t'
}
