// Package rules evaluates business rules against cell values and row
// batches. Rules are configuration, not code: each has a type from a fixed
// vocabulary, a column, and an effect severity. The validator only reports;
// gating on the resulting counts belongs to the validation state machine.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Severity of a rule violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Rule types.
const (
	TypeRequired      = "required"
	TypeUnique        = "unique"
	TypeGreaterThan   = "greater_than"
	TypeLessThan      = "less_than"
	TypeBetween       = "between"
	TypeRange         = "range"
	TypeEquals        = "equals"
	TypeNotContains   = "not_contains"
	TypeRegex         = "regex"
	TypeAllowedValues = "allowed_values"
	TypeRefIn         = "ref_in"
	TypeReadonly      = "readonly"
)

// Rule is one configured business rule.
type Rule struct {
	Column   string   `json:"column"`
	Type     string   `json:"rule_type"`
	Severity Severity `json:"severity,omitempty"`
	Value    any      `json:"value,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Values   []any    `json:"values,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// EffectiveSeverity resolves the rule's severity, defaulting to error.
// Membership rules default to warning because reference data routinely
// lags the edits that point at it.
func (r Rule) EffectiveSeverity() Severity {
	if r.Severity != "" {
		return r.Severity
	}
	switch r.Type {
	case TypeAllowedValues, TypeRefIn:
		return SeverityWarning
	}
	return SeverityError
}

// Issue is one reported violation.
type Issue struct {
	Column        string   `json:"column"`
	RowIndex      *int     `json:"row_index,omitempty"`
	RowID         *string  `json:"row_id,omitempty"`
	Severity      Severity `json:"severity"`
	RuleType      string   `json:"rule_type"`
	Message       string   `json:"message"`
	ExpectedValue any      `json:"expected_value,omitempty"`
	ActualValue   any      `json:"actual_value,omitempty"`
}

// Validator evaluates rules. It is safe for concurrent use; one instance
// is shared across all request handlers.
type Validator struct {
	mu         sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{regexCache: map[string]*regexp.Regexp{}}
}

// isNull treats nil as absent.
func isNull(v any) bool { return v == nil }

// isBlank reports whether a string value is empty or whitespace-only.
func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// ValidateCell evaluates all rules targeting one column against a single
// value. Null values on non-required columns pass without further checks.
// Readonly rules are advisory and emit nothing here; the edit boundary
// enforces them.
func (v *Validator) ValidateCell(column string, value any, rules []Rule) []Issue {
	var issues []Issue
	for _, r := range rules {
		if r.Column != column {
			continue
		}
		if issue := v.checkScalar(r, value); issue != nil {
			issues = append(issues, *issue)
		}
	}
	return issues
}

// checkScalar evaluates one scalar rule. Returns nil when the rule passes
// or does not apply. Set-level rules (unique) are skipped; they only make
// sense over a batch.
func (v *Validator) checkScalar(r Rule, value any) *Issue {
	switch r.Type {
	case TypeRequired:
		if isNull(value) || isBlank(value) {
			return v.issue(r, "value is required", nil, value)
		}
		return nil
	case TypeUnique, TypeReadonly:
		return nil
	}

	if isNull(value) {
		return nil
	}

	switch r.Type {
	case TypeGreaterThan:
		return v.checkNumeric(r, value, func(n, bound float64) bool { return n > bound }, "must be greater than")
	case TypeLessThan:
		return v.checkNumeric(r, value, func(n, bound float64) bool { return n < bound }, "must be less than")
	case TypeBetween, TypeRange:
		n, ok := toFloat(value)
		if !ok {
			return v.issue(r, "value is not numeric", nil, value)
		}
		if r.Min != nil && n < *r.Min {
			return v.issue(r, fmt.Sprintf("value %v below minimum %v", value, *r.Min), *r.Min, value)
		}
		if r.Max != nil && n > *r.Max {
			return v.issue(r, fmt.Sprintf("value %v above maximum %v", value, *r.Max), *r.Max, value)
		}
		return nil
	case TypeEquals:
		if !looseEqual(value, r.Value) {
			return v.issue(r, fmt.Sprintf("value must equal %v", r.Value), r.Value, value)
		}
		return nil
	case TypeNotContains:
		needle := valuesOf(r)
		hay := strings.ToLower(asString(value))
		for _, n := range needle {
			if strings.Contains(hay, strings.ToLower(asString(n))) {
				return v.issue(r, fmt.Sprintf("value must not contain %q", asString(n)), nil, value)
			}
		}
		return nil
	case TypeRegex:
		pattern := asString(r.Value)
		re, err := v.compile(pattern)
		if err != nil {
			return v.issue(r, fmt.Sprintf("invalid pattern %q", pattern), pattern, value)
		}
		if !re.MatchString(asString(value)) {
			return v.issue(r, fmt.Sprintf("value does not match pattern %q", pattern), pattern, value)
		}
		return nil
	case TypeAllowedValues, TypeRefIn:
		for _, allowed := range valuesOf(r) {
			if looseEqual(value, allowed) {
				return nil
			}
		}
		return v.issue(r, fmt.Sprintf("value %v is not in the allowed set", value), r.Values, value)
	}
	return nil
}

func (v *Validator) checkNumeric(r Rule, value any, pass func(n, bound float64) bool, verb string) *Issue {
	n, ok := toFloat(value)
	if !ok {
		return v.issue(r, "value is not numeric", nil, value)
	}
	bound, ok := toFloat(r.Value)
	if !ok {
		return v.issue(r, fmt.Sprintf("rule threshold %v is not numeric", r.Value), r.Value, value)
	}
	if !pass(n, bound) {
		return v.issue(r, fmt.Sprintf("value %v %s %v", value, verb, r.Value), r.Value, value)
	}
	return nil
}

func (v *Validator) issue(r Rule, msg string, expected, actual any) *Issue {
	if r.Message != "" {
		msg = r.Message
	}
	return &Issue{
		Column:        r.Column,
		Severity:      r.EffectiveSeverity(),
		RuleType:      r.Type,
		Message:       msg,
		ExpectedValue: expected,
		ActualValue:   actual,
	}
}

// compile returns the pattern anchored as a full-string match, caching
// compiled expressions across calls.
func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}
	v.regexCache[pattern] = re
	return re, nil
}

func valuesOf(r Rule) []any {
	if len(r.Values) > 0 {
		return r.Values
	}
	if r.Value != nil {
		return []any{r.Value}
	}
	return nil
}

// toFloat coerces a value to float64 for numeric rules.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// looseEqual compares scalars across representations: 2, 2.0 and "2"
// are equal; comparisons never panic on mixed types.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return asString(a) == asString(b)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", s)
	}
}
