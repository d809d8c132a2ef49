// Package filter parses and evaluates the row predicates that scope a
// change-feed channel, e.g. "user_id=eq.42" or "status=in.(open,paid)".
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is returned by Parse for malformed predicates.
var ErrInvalid = errors.New("invalid filter")

// Operator is a comparison understood by Predicate.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpIn  Operator = "in"
)

// Predicate is a parsed "column=operator.value" filter. The zero value
// matches every row.
type Predicate struct {
	Column string
	Op     Operator
	Value  string
	values []string // split list for OpIn
}

// Parse parses a filter string. An empty string yields the match-all
// predicate.
func Parse(s string) (Predicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Predicate{}, nil
	}

	column, opValue, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return Predicate{}, fmt.Errorf("%w: %q: expected column=operator.value", ErrInvalid, s)
	}

	op, value, ok := strings.Cut(opValue, ".")
	if !ok {
		return Predicate{}, fmt.Errorf("%w: %q: missing operator", ErrInvalid, s)
	}

	p := Predicate{Column: column, Op: Operator(op), Value: value}
	switch p.Op {
	case OpEq, OpNeq:
	case OpGt, OpGte, OpLt, OpLte:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return Predicate{}, fmt.Errorf("%w: %q: %s needs a number", ErrInvalid, s, op)
		}
	case OpIn:
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return Predicate{}, fmt.Errorf("%w: %q: in needs (a,b,...)", ErrInvalid, s)
		}
		for _, v := range strings.Split(value[1:len(value)-1], ",") {
			p.values = append(p.values, strings.TrimSpace(v))
		}
	default:
		return Predicate{}, fmt.Errorf("%w: %q: unknown operator %q", ErrInvalid, s, op)
	}
	return p, nil
}

// MatchAll reports whether p is the empty predicate.
func (p Predicate) MatchAll() bool {
	return p.Column == ""
}

// String returns the canonical filter text.
func (p Predicate) String() string {
	if p.MatchAll() {
		return ""
	}
	return p.Column + "=" + string(p.Op) + "." + p.Value
}

// Match evaluates p against a change. The new row is preferred; deletes
// only carry the old row.
func (p Predicate) Match(newRow, oldRow map[string]any) bool {
	if p.MatchAll() {
		return true
	}

	row := newRow
	if row == nil {
		row = oldRow
	}
	if row == nil {
		return false
	}

	rowValue, exists := row[p.Column]
	if !exists {
		return false
	}

	switch p.Op {
	case OpEq:
		return equal(rowValue, p.Value)
	case OpNeq:
		return !equal(rowValue, p.Value)
	case OpGt:
		c, ok := compareNumeric(rowValue, p.Value)
		return ok && c > 0
	case OpGte:
		c, ok := compareNumeric(rowValue, p.Value)
		return ok && c >= 0
	case OpLt:
		c, ok := compareNumeric(rowValue, p.Value)
		return ok && c < 0
	case OpLte:
		c, ok := compareNumeric(rowValue, p.Value)
		return ok && c <= 0
	case OpIn:
		for _, v := range p.values {
			if equal(rowValue, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// equal compares a decoded row value with the textual filter value.
func equal(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		return err == nil && v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		return err == nil && v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		return err == nil && v == iv
	case bool:
		return strconv.FormatBool(v) == filterValue
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric returns -1, 0 or 1. ok is false when the row value is not
// numeric, in which case no ordering operator matches.
func compareNumeric(rowValue any, filterValue string) (int, bool) {
	var rowNum float64

	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		rowNum = n
	default:
		return 0, false
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0, false
	}

	switch {
	case rowNum < filterNum:
		return -1, true
	case rowNum > filterNum:
		return 1, true
	}
	return 0, true
}
