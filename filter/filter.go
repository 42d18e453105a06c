// Package filter implements the row-filter micro-syntax used in
// subscription requests: a single condition of the form "column=op.value",
// e.g. "status=eq.open" or "severity=in.(high,critical)".
//
// Canonicalization matters more than parsing here: two filter strings that
// mean the same thing must canonicalize identically, because the canonical
// form feeds subscription key derivation and key equality decides channel
// sharing.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/civicstream/ripple/event"
)

// Cache size for parsed filter expressions
const exprCacheSize = 512

// exprCache caches parse results keyed by XXH64 hash of the input string.
// Parsing runs on every subscribe and inside polling transports on the
// dispatch path.
var exprCache *lru.Cache[uint64, *Expr]

func init() {
	var err error
	exprCache, err = lru.New[uint64, *Expr](exprCacheSize)
	if err != nil {
		panic("failed to create filter cache: " + err.Error())
	}
}

// CmpOp is the comparison operator of a filter condition.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNeq
	CmpGt
	CmpGte
	CmpLt
	CmpLte
	CmpIn
)

func (c CmpOp) String() string {
	switch c {
	case CmpEq:
		return "eq"
	case CmpNeq:
		return "neq"
	case CmpGt:
		return "gt"
	case CmpGte:
		return "gte"
	case CmpLt:
		return "lt"
	case CmpLte:
		return "lte"
	case CmpIn:
		return "in"
	default:
		return fmt.Sprintf("cmp(%d)", uint8(c))
	}
}

func parseCmpOp(s string) (CmpOp, bool) {
	switch strings.ToLower(s) {
	case "eq":
		return CmpEq, true
	case "neq":
		return CmpNeq, true
	case "gt":
		return CmpGt, true
	case "gte":
		return CmpGte, true
	case "lt":
		return CmpLt, true
	case "lte":
		return CmpLte, true
	case "in":
		return CmpIn, true
	default:
		return CmpEq, false
	}
}

// Expr is a parsed filter condition. Parsed expressions are shared through
// the cache; treat them as read-only.
type Expr struct {
	Column string
	Cmp    CmpOp
	Value  string // scalar operand; empty for in conditions
	list   []string
}

// Parse parses a filter string. Empty input means "no filter" and returns
// (nil, nil); a nil *Expr matches every row.
func Parse(s string) (*Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	key := xxhash.Sum64String(s)
	if cached, ok := exprCache.Get(key); ok {
		return cached, nil
	}

	eq := strings.Index(s, "=")
	if eq <= 0 {
		return nil, fmt.Errorf("filter %q: expected column=op.value", s)
	}
	column := strings.TrimSpace(s[:eq])
	rest := strings.TrimSpace(s[eq+1:])

	dot := strings.Index(rest, ".")
	if dot <= 0 {
		return nil, fmt.Errorf("filter %q: missing operator", s)
	}
	cmp, ok := parseCmpOp(rest[:dot])
	if !ok {
		return nil, fmt.Errorf("filter %q: unknown operator %q", s, rest[:dot])
	}
	operand := rest[dot+1:]

	expr := &Expr{Column: column, Cmp: cmp}
	if cmp == CmpIn {
		if !strings.HasPrefix(operand, "(") || !strings.HasSuffix(operand, ")") {
			return nil, fmt.Errorf("filter %q: in operand must be a (list)", s)
		}
		inner := operand[1 : len(operand)-1]
		seen := make(map[string]bool)
		for _, part := range strings.Split(inner, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !seen[part] {
				seen[part] = true
				expr.list = append(expr.list, part)
			}
		}
		// Sorted and deduplicated: in.(b,a) and in.(a,b,a) are the same
		// condition and must produce the same canonical form.
		sort.Strings(expr.list)
	} else {
		expr.Value = strings.TrimSpace(operand)
		if expr.Value == "" {
			return nil, fmt.Errorf("filter %q: empty operand", s)
		}
	}

	exprCache.Add(key, expr)
	return expr, nil
}

// Canonical renders the normalized form of the condition. The zero form
// (nil receiver) renders empty.
func (e *Expr) Canonical() string {
	if e == nil {
		return ""
	}
	if e.Cmp == CmpIn {
		return e.Column + "=in.(" + strings.Join(e.list, ",") + ")"
	}
	return e.Column + "=" + e.Cmp.String() + "." + e.Value
}

// Canonicalize parses s and returns its canonical form. Empty input stays
// empty.
func Canonicalize(s string) (string, error) {
	expr, err := Parse(s)
	if err != nil {
		return "", err
	}
	return expr.Canonical(), nil
}

// Match evaluates the condition against a row. A nil expression matches
// everything; a missing column matches nothing.
func (e *Expr) Match(row event.Row) bool {
	if e == nil {
		return true
	}
	if row == nil {
		return false
	}
	val, ok := row[e.Column]
	if !ok {
		return false
	}
	got := formatValue(val)

	switch e.Cmp {
	case CmpEq:
		return valueEqual(got, e.Value)
	case CmpNeq:
		return !valueEqual(got, e.Value)
	case CmpGt:
		return valueCompare(got, e.Value) > 0
	case CmpGte:
		return valueCompare(got, e.Value) >= 0
	case CmpLt:
		return valueCompare(got, e.Value) < 0
	case CmpLte:
		return valueCompare(got, e.Value) <= 0
	case CmpIn:
		for _, want := range e.list {
			if valueEqual(got, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// formatValue renders a row value for comparison. Change payloads decode
// into map[string]any, so the concrete types depend on the payload format.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// valueEqual compares numerically when both sides parse as numbers, so
// "3.0" equals "3" the way it would in the source database.
func valueEqual(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return fa == fb
	}
	return a == b
}

func valueCompare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
