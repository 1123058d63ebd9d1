package provider

import (
	"strings"

	v1 "github.com/cmux/cmux/pkg/api/v1"
)

// ThinkingPolicy constrains the thinking level a model accepts. Fixed
// policies pin a single level regardless of the request; selectable
// policies pass "off" and any allowed level through and clamp the rest
// to the default.
type ThinkingPolicy struct {
	fixed   bool
	level   v1.ThinkingLevel
	allowed map[v1.ThinkingLevel]bool
	fall    v1.ThinkingLevel
}

// FixedThinking pins every request to level.
func FixedThinking(level v1.ThinkingLevel) ThinkingPolicy {
	return ThinkingPolicy{fixed: true, level: level}
}

// SelectableThinking accepts the listed levels and clamps everything
// else to def. "off" always passes through.
func SelectableThinking(def v1.ThinkingLevel, allowed ...v1.ThinkingLevel) ThinkingPolicy {
	set := make(map[v1.ThinkingLevel]bool, len(allowed))
	for _, l := range allowed {
		set[l] = true
	}
	return ThinkingPolicy{allowed: set, fall: def}
}

// Enforce clamps the requested level to what the policy permits.
func (p ThinkingPolicy) Enforce(requested v1.ThinkingLevel) v1.ThinkingLevel {
	if p.fixed {
		return p.level
	}
	if requested == v1.ThinkingOff {
		return v1.ThinkingOff
	}
	if p.allowed[requested] {
		return requested
	}
	return p.fall
}

// Fixed reports whether the policy pins one level, and which. The UI
// uses this to disable the thinking toggle entirely.
func (p ThinkingPolicy) Fixed() (v1.ThinkingLevel, bool) {
	return p.level, p.fixed
}

// PolicyForModel returns the thinking policy of a "provider:model"
// string. Unknown models get the permissive selectable policy.
func PolicyForModel(model string) ThinkingPolicy {
	name := model
	if i := strings.Index(model, ":"); i >= 0 {
		name = model[i+1:]
	}
	switch {
	// Dedicated reasoning models only run at full effort.
	case strings.HasPrefix(name, "o1-pro"), strings.HasPrefix(name, "o3-pro"):
		return FixedThinking(v1.ThinkingHigh)
	// Reasoning-only models cannot turn thinking off.
	case strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return SelectableThinking(v1.ThinkingMedium,
			v1.ThinkingLow, v1.ThinkingMedium, v1.ThinkingHigh)
	default:
		return SelectableThinking(v1.ThinkingMedium,
			v1.ThinkingLow, v1.ThinkingMedium, v1.ThinkingHigh)
	}
}

// AnthropicThinkingBudget maps a thinking level to a token budget for
// the Anthropic extended-thinking parameter. Zero means disabled.
func AnthropicThinkingBudget(level v1.ThinkingLevel) int64 {
	switch level {
	case v1.ThinkingLow:
		return 2048
	case v1.ThinkingMedium:
		return 8192
	case v1.ThinkingHigh:
		return 24576
	default:
		return 0
	}
}

// OpenAIReasoningEffort maps a thinking level to the reasoning_effort
// parameter. Empty means the parameter is omitted.
func OpenAIReasoningEffort(level v1.ThinkingLevel) string {
	switch level {
	case v1.ThinkingLow:
		return "low"
	case v1.ThinkingMedium:
		return "medium"
	case v1.ThinkingHigh:
		return "high"
	default:
		return ""
	}
}
