package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstream/ripple/event"
)

func TestParse_Empty(t *testing.T) {
	expr, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, expr)

	expr, err = Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, expr)

	assert.Equal(t, "", expr.Canonical())
	assert.True(t, expr.Match(event.Row{"anything": 1}))
}

func TestParse_Scalar(t *testing.T) {
	expr, err := Parse("status=eq.open")
	require.NoError(t, err)
	require.NotNil(t, expr)
	assert.Equal(t, "status", expr.Column)
	assert.Equal(t, CmpEq, expr.Cmp)
	assert.Equal(t, "open", expr.Value)
	assert.Equal(t, "status=eq.open", expr.Canonical())
}

func TestParse_Errors(t *testing.T) {
	cases := []string{
		"status",
		"=eq.open",
		"status=open",
		"status=like.open",
		"status=eq.",
		"severity=in.high",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
		})
	}
}

func TestCanonicalize_Equivalences(t *testing.T) {
	cases := []struct {
		a, b string
	}{
		{"status=eq.open", " status = eq.open "},
		{"status=EQ.open", "status=eq.open"},
		{"severity=in.(high,critical)", "severity=in.(critical,high)"},
		{"severity=in.(high,critical)", "severity=in.(high, critical, high)"},
	}
	for _, c := range cases {
		ca, err := Canonicalize(c.a)
		require.NoError(t, err)
		cb, err := Canonicalize(c.b)
		require.NoError(t, err)
		assert.Equal(t, ca, cb, "%q vs %q", c.a, c.b)
	}
}

func TestCanonicalize_Distinct(t *testing.T) {
	a, err := Canonicalize("status=eq.open")
	require.NoError(t, err)
	b, err := Canonicalize("status=neq.open")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// Operand case is significant; only the operator normalizes.
	a, err = Canonicalize("status=eq.Open")
	require.NoError(t, err)
	assert.NotEqual(t, a, "status=eq.open")
}

func TestMatch_Eq(t *testing.T) {
	expr, err := Parse("status=eq.open")
	require.NoError(t, err)

	assert.True(t, expr.Match(event.Row{"status": "open"}))
	assert.False(t, expr.Match(event.Row{"status": "closed"}))
	assert.False(t, expr.Match(event.Row{"other": "open"}))
	assert.False(t, expr.Match(nil))
}

func TestMatch_NumericEquality(t *testing.T) {
	expr, err := Parse("report_id=eq.42")
	require.NoError(t, err)

	// The concrete numeric type depends on the payload decoder.
	assert.True(t, expr.Match(event.Row{"report_id": int64(42)}))
	assert.True(t, expr.Match(event.Row{"report_id": float64(42)}))
	assert.True(t, expr.Match(event.Row{"report_id": "42"}))
	assert.False(t, expr.Match(event.Row{"report_id": int64(43)}))
}

func TestMatch_Ordering(t *testing.T) {
	gt, err := Parse("votes=gt.10")
	require.NoError(t, err)
	assert.True(t, gt.Match(event.Row{"votes": int64(11)}))
	assert.False(t, gt.Match(event.Row{"votes": int64(10)}))

	lte, err := Parse("votes=lte.10")
	require.NoError(t, err)
	assert.True(t, lte.Match(event.Row{"votes": int64(10)}))
	assert.False(t, lte.Match(event.Row{"votes": float64(10.5)}))

	// Numeric compare, not lexicographic: 9 < 10.
	lt, err := Parse("votes=lt.10")
	require.NoError(t, err)
	assert.True(t, lt.Match(event.Row{"votes": int64(9)}))
}

func TestMatch_In(t *testing.T) {
	expr, err := Parse("severity=in.(high,critical)")
	require.NoError(t, err)

	assert.True(t, expr.Match(event.Row{"severity": "high"}))
	assert.True(t, expr.Match(event.Row{"severity": "critical"}))
	assert.False(t, expr.Match(event.Row{"severity": "low"}))
}

func TestMatch_Neq(t *testing.T) {
	expr, err := Parse("status=neq.closed")
	require.NoError(t, err)

	assert.True(t, expr.Match(event.Row{"status": "open"}))
	assert.False(t, expr.Match(event.Row{"status": "closed"}))
	// Missing column matches nothing, even for neq.
	assert.False(t, expr.Match(event.Row{}))
}

func TestMatch_BoolAndNil(t *testing.T) {
	expr, err := Parse("resolved=eq.true")
	require.NoError(t, err)
	assert.True(t, expr.Match(event.Row{"resolved": true}))
	assert.False(t, expr.Match(event.Row{"resolved": false}))

	expr, err = Parse("assignee=eq.nobody")
	require.NoError(t, err)
	assert.False(t, expr.Match(event.Row{"assignee": nil}))
}

func TestParse_CacheReturnsSameResult(t *testing.T) {
	a, err := Parse("status=eq.open")
	require.NoError(t, err)
	b, err := Parse("status=eq.open")
	require.NoError(t, err)
	assert.Equal(t, a.Canonical(), b.Canonical())
}
