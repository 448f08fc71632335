package foreman

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/quarryhq/quarry/types"
)

// RulesPredicate holds the rule set on the foreman subject. Every rule
// is one versioned value, so installing a rule is a plain append and
// concurrent hunt starts never clobber each other.
const RulesPredicate = "RULES"

// lastForemanPredicate tracks, per client, the Created time of the
// newest rule that client has been evaluated against.
const lastForemanPredicate = "metadata:last_foreman_time"

// Rule matches clients against a hunt. All clauses AND together; a
// client matches only when every regex and integer clause holds.
type Rule struct {
	// Created orders rules and drives the per-client evaluation
	// watermark. Filled on install when zero.
	Created types.Timestamp `json:"created"`

	// Expires removes the rule from evaluation; the expiry sweep drops
	// it and notifies its hunts.
	Expires types.Timestamp `json:"expires"`

	// Description for operators reading the rule set.
	Description string `json:"description,omitempty"`

	// Regex clauses over client attribute values.
	Regex []RegexClause `json:"regex_rules,omitempty"`

	// Integer clauses over client attribute values in decimal form.
	Integer []IntegerClause `json:"integer_rules,omitempty"`

	// Actions run for each matching client.
	Actions []Action `json:"actions,omitempty"`
}

// RegexClause holds when the attribute is present and its newest value
// matches the pattern.
type RegexClause struct {
	Attribute string `json:"attribute"`
	Regex     string `json:"regex"`
}

// IntegerClause holds when the attribute is present, parses as an
// integer and compares true against Value.
type IntegerClause struct {
	Attribute string          `json:"attribute"`
	Operator  IntegerOperator `json:"operator"`
	Value     int64           `json:"value"`
}

// IntegerOperator compares a client attribute against a clause value.
type IntegerOperator string

// Supported integer comparisons.
const (
	OpEqual       IntegerOperator = "="
	OpLessThan    IntegerOperator = "<"
	OpGreaterThan IntegerOperator = ">"
)

func (op IntegerOperator) holds(attr, want int64) bool {
	switch op {
	case OpEqual:
		return attr == want
	case OpLessThan:
		return attr < want
	case OpGreaterThan:
		return attr > want
	default:
		return false
	}
}

// Action schedules a matching client onto a hunt. ClientLimit mirrors
// the hunt's limit for operators reading the rule set; enforcement
// happens in the hunt itself.
type Action struct {
	HuntID      types.SessionID `json:"hunt_id"`
	ClientLimit int             `json:"client_limit,omitempty"`
}

// Operating system names as written by the interrogate flow, for use
// with MatchOS.
const (
	OSWindows = "Windows"
	OSLinux   = "Linux"
	OSDarwin  = "Darwin"
)

// MatchOS returns a clause matching clients running any of the given
// operating systems.
func MatchOS(names ...string) RegexClause {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	return RegexClause{
		Attribute: types.ClientOSPredicate,
		Regex:     "^(" + strings.Join(quoted, "|") + ")$",
	}
}

// MatchLabel returns a clause matching clients carrying the label.
func MatchLabel(label string) RegexClause {
	return RegexClause{
		Attribute: types.ClientLabelPrefix + label,
		Regex:     ".+",
	}
}

// MatchHostname returns a clause matching the client hostname against
// a pattern.
func MatchHostname(pattern string) RegexClause {
	return RegexClause{
		Attribute: types.ClientHostnamePredicate,
		Regex:     pattern,
	}
}

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid foreman rule")

// Validate refuses rules that could never run or would fail at
// evaluation time. Called on install so a bad rule is an install
// error, not a silent no-match later.
func (r *Rule) Validate() error {
	if r.Expires.IsZero() {
		return fmt.Errorf("%w: missing expiry", ErrInvalidRule)
	}
	if r.Expires <= r.Created {
		return fmt.Errorf("%w: expires %s before created %s", ErrInvalidRule, r.Expires, r.Created)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: no actions", ErrInvalidRule)
	}
	for _, action := range r.Actions {
		if action.HuntID == "" {
			return fmt.Errorf("%w: action without hunt id", ErrInvalidRule)
		}
	}
	for _, clause := range r.Regex {
		if clause.Attribute == "" {
			return fmt.Errorf("%w: regex clause without attribute", ErrInvalidRule)
		}
		if _, err := regexp.Compile(clause.Regex); err != nil {
			return fmt.Errorf("%w: bad regex %q: %v", ErrInvalidRule, clause.Regex, err)
		}
	}
	for _, clause := range r.Integer {
		if clause.Attribute == "" {
			return fmt.Errorf("%w: integer clause without attribute", ErrInvalidRule)
		}
		switch clause.Operator {
		case OpEqual, OpLessThan, OpGreaterThan:
		default:
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, clause.Operator)
		}
	}
	return nil
}

// targetsHunt reports whether any action schedules the hunt.
func (r *Rule) targetsHunt(huntID types.SessionID) bool {
	for _, action := range r.Actions {
		if action.HuntID == huntID {
			return true
		}
	}
	return false
}

// attributes returns the deduplicated client attributes the rule reads.
func (r *Rule) attributes() []string {
	seen := make(map[string]bool, len(r.Regex)+len(r.Integer))
	out := make([]string, 0, len(r.Regex)+len(r.Integer))
	for _, clause := range r.Regex {
		if !seen[clause.Attribute] {
			seen[clause.Attribute] = true
			out = append(out, clause.Attribute)
		}
	}
	for _, clause := range r.Integer {
		if !seen[clause.Attribute] {
			seen[clause.Attribute] = true
			out = append(out, clause.Attribute)
		}
	}
	return out
}

// regexCache keeps compiled clause patterns. Rule evaluation runs on
// every client check-in, so patterns compile once and are shared.
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.compiled == nil {
		c.compiled = make(map[string]*regexp.Regexp)
	}
	c.compiled[pattern] = re
	c.mu.Unlock()
	return re, nil
}
