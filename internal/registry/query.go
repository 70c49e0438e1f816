package registry

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Queryable connection fields.
const (
	FieldID          = "id"
	FieldNickname    = "nickname"
	FieldIP          = "ip"
	FieldPort        = "port"
	FieldAddress     = "address"
	FieldUserAgent   = "userAgent"
	FieldSubprotocol = "subprotocol"
	FieldConnectedAt = "connectedAt"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpRegex
	OpIn
	OpExists
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "$eq"
	case OpNe:
		return "$ne"
	case OpGt:
		return "$gt"
	case OpGte:
		return "$gte"
	case OpLt:
		return "$lt"
	case OpLte:
		return "$lte"
	case OpRegex:
		return "$regex"
	case OpIn:
		return "$in"
	case OpExists:
		return "$exists"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Cond is a single test against a connection field. A query is a list of
// conditions that must all hold.
type Cond struct {
	Field string
	Op    Op
	Value any
}

func (c Cond) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

func Eq(field string, v any) Cond  { return Cond{Field: field, Op: OpEq, Value: v} }
func Ne(field string, v any) Cond  { return Cond{Field: field, Op: OpNe, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }

// Regex matches the string form of the field against re.
func Regex(field string, re *regexp.Regexp) Cond {
	return Cond{Field: field, Op: OpRegex, Value: re}
}

// In matches when the field equals any of values.
func In(field string, values ...any) Cond {
	return Cond{Field: field, Op: OpIn, Value: values}
}

// InStrings is In for a string slice.
func InStrings(field string, values []string) Cond {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return In(field, vs...)
}

// Exists matches when the presence of the field equals want.
// The nickname field is absent until one is set.
func Exists(field string, want bool) Cond {
	return Cond{Field: field, Op: OpExists, Value: want}
}

// ID is shorthand for Eq(FieldID, id).
func ID(id string) Cond {
	return Eq(FieldID, id)
}

func fieldValue(e *entry, field string) (any, bool) {
	c := e.conn
	switch field {
	case FieldID:
		return c.ID(), true
	case FieldNickname:
		return e.nickname, e.nickname != ""
	case FieldIP:
		return c.RemoteIP(), true
	case FieldPort:
		return c.RemotePort(), true
	case FieldAddress:
		return c.RemoteAddr(), true
	case FieldUserAgent:
		return c.UserAgent(), c.UserAgent() != ""
	case FieldSubprotocol:
		return c.Subprotocol(), true
	case FieldConnectedAt:
		return c.ConnectedAt(), true
	}
	return nil, false
}

func (c Cond) match(e *entry) bool {
	v, ok := fieldValue(e, c.Field)

	switch c.Op {
	case OpExists:
		want, _ := c.Value.(bool)
		return ok == want
	case OpNe:
		if !ok {
			return true
		}
		r, comparable := compare(v, c.Value)
		return !comparable || r != 0
	}

	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		r, comparable := compare(v, c.Value)
		return comparable && r == 0
	case OpGt, OpGte, OpLt, OpLte:
		r, comparable := compare(v, c.Value)
		if !comparable {
			return false
		}
		switch c.Op {
		case OpGt:
			return r > 0
		case OpGte:
			return r >= 0
		case OpLt:
			return r < 0
		default:
			return r <= 0
		}
	case OpRegex:
		switch re := c.Value.(type) {
		case *regexp.Regexp:
			return re.MatchString(fmt.Sprint(v))
		case string:
			matched, err := regexp.MatchString(re, fmt.Sprint(v))
			return err == nil && matched
		}
		return false
	case OpIn:
		values, _ := c.Value.([]any)
		for _, candidate := range values {
			if r, comparable := compare(v, candidate); comparable && r == 0 {
				return true
			}
		}
		return false
	}
	return false
}

func matchAll(e *entry, conds []Cond) bool {
	for _, c := range conds {
		if !c.match(e) {
			return false
		}
	}
	return true
}

// compare orders a field value against a query value. Numbers compare
// numerically, times chronologically, everything else by string form.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), true
		}
		return 0, false
	}
	sa, aok := a.(string)
	if !aok {
		return 0, false
	}
	switch vb := b.(type) {
	case string:
		return strings.Compare(sa, vb), true
	case fmt.Stringer:
		return strings.Compare(sa, vb.String()), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
