package tools

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Policy actions.
const (
	ActionEnable  = "enable"
	ActionDisable = "disable"
	ActionRequire = "require"
)

// ErrMultipleRequired is returned when two or more distinct tools match
// require rules; a require set of one is the only valid reduction.
var ErrMultipleRequired = errors.New("tools: multiple tools matched require rules")

// Rule pairs a tool-name regex with an action. Rules are evaluated in
// order and the last matching rule wins per tool.
type Rule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Action  string `yaml:"action" json:"action"`

	re *regexp.Regexp
}

// Policy is an ordered rule list applied to a tool set.
type Policy struct {
	rules []Rule
}

// NewPolicy compiles the rule patterns. Patterns are anchored so a
// rule names whole tool names, not substrings.
func NewPolicy(rules []Rule) (*Policy, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		switch r.Action {
		case ActionEnable, ActionDisable, ActionRequire:
		default:
			return nil, fmt.Errorf("tools: rule %d: unknown action %q", i, r.Action)
		}
		re, err := regexp.Compile("^(?:" + r.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("tools: rule %d: bad pattern %q: %w", i, r.Pattern, err)
		}
		compiled[i] = Rule{Pattern: r.Pattern, Action: r.Action, re: re}
	}
	return &Policy{rules: compiled}, nil
}

// Apply filters defs per the rules. Tools matching no rule stay
// enabled. When exactly one tool's winning action is require, the set
// reduces to that tool alone; two or more distinct require winners is
// ErrMultipleRequired; zero falls back to enable/disable filtering.
func (p *Policy) Apply(defs []Definition) ([]Definition, error) {
	var enabled []Definition
	var required []Definition
	for _, def := range defs {
		action := ActionEnable
		for _, r := range p.rules {
			if r.re.MatchString(def.Name) {
				action = r.Action
			}
		}
		switch action {
		case ActionDisable:
		case ActionRequire:
			required = append(required, def)
		default:
			enabled = append(enabled, def)
		}
	}
	switch len(required) {
	case 0:
		return enabled, nil
	case 1:
		return required, nil
	default:
		names := make([]string, len(required))
		for i, def := range required {
			names[i] = def.Name
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %v", ErrMultipleRequired, names)
	}
}

// Canonical mode names.
const (
	ModePlan = "plan"
	ModeExec = "exec"
)

// defaultModeRules are the built-in mode policies. Plan mode blocks
// mutation tools and surfaces propose_plan; exec mode is the inverse.
var defaultModeRules = map[string][]Rule{
	ModePlan: {
		{Pattern: `file_edit_.*`, Action: ActionDisable},
		{Pattern: `file_write`, Action: ActionDisable},
		{Pattern: `compact`, Action: ActionDisable},
		{Pattern: `propose_plan`, Action: ActionEnable},
	},
	ModeExec: {
		{Pattern: `propose_plan`, Action: ActionDisable},
	},
}

// Modes maps mode names to compiled policies.
type Modes struct {
	policies map[string]*Policy
}

// DefaultModes returns the built-in plan and exec policies.
func DefaultModes() *Modes {
	m, err := newModes(nil)
	if err != nil {
		// Built-in rules are static; a compile failure is a programming
		// error.
		panic(err)
	}
	return m
}

// LoadModes builds the mode set from the built-in defaults merged with
// the modes file at path, when present. File entries replace the
// default rules for the same mode and may add new modes.
func LoadModes(path string) (*Modes, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newModes(nil)
		}
		return nil, fmt.Errorf("tools: open modes file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("tools: read modes file: %w", err)
	}
	var overrides map[string][]Rule
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("tools: parse modes file %s: %w", path, err)
	}
	return newModes(overrides)
}

func newModes(overrides map[string][]Rule) (*Modes, error) {
	policies := make(map[string]*Policy, len(defaultModeRules)+len(overrides))
	for name, rules := range defaultModeRules {
		p, err := NewPolicy(rules)
		if err != nil {
			return nil, err
		}
		policies[name] = p
	}
	for name, rules := range overrides {
		p, err := NewPolicy(rules)
		if err != nil {
			return nil, fmt.Errorf("tools: mode %q: %w", name, err)
		}
		policies[name] = p
	}
	return &Modes{policies: policies}, nil
}

// Policy returns the policy for a mode.
func (m *Modes) Policy(mode string) (*Policy, bool) {
	p, ok := m.policies[mode]
	return p, ok
}

// Names returns the configured mode names sorted.
func (m *Modes) Names() []string {
	names := make([]string, 0, len(m.policies))
	for name := range m.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
