package vectorclock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/gossiped/pkg/vectorclock"
)

func TestGetMissingIsZero(t *testing.T) {
	c := vectorclock.New()
	assert.Equal(t, uint64(0), c.Get("a"))
}

func TestIncrementRejectsEmptyNode(t *testing.T) {
	c := vectorclock.New()
	_, err := c.Increment("")
	require.Error(t, err)
}

func TestIncrementIsMonotonic(t *testing.T) {
	c := vectorclock.New()
	v1, err := c.Increment("A")
	require.NoError(t, err)
	v2, err := c.Increment("A")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
}

func TestSetRejectsEmptyNode(t *testing.T) {
	c := vectorclock.New()
	require.Error(t, c.Set("", 5))
}

func TestMergeTakesMax(t *testing.T) {
	a := vectorclock.FromMap(map[string]uint64{"A": 2, "B": 1})
	b := vectorclock.FromMap(map[string]uint64{"A": 1, "B": 3, "C": 5})

	a.Merge(b)

	assert.Equal(t, uint64(2), a.Get("A"))
	assert.Equal(t, uint64(3), a.Get("B"))
	assert.Equal(t, uint64(5), a.Get("C"))
}

func TestMergeIsIdempotent(t *testing.T) {
	a := vectorclock.FromMap(map[string]uint64{"A": 2})
	b := vectorclock.FromMap(map[string]uint64{"A": 1, "B": 3})

	a.Merge(b)
	first := a.Summary()
	a.Merge(b)
	second := a.Summary()

	assert.Equal(t, first, second)
}

func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	a := vectorclock.FromMap(map[string]uint64{"A": 2, "B": 1})
	b := vectorclock.FromMap(map[string]uint64{"B": 3, "C": 1})
	c := vectorclock.FromMap(map[string]uint64{"A": 1, "C": 4})

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)

	right := c.Clone()
	right.Merge(b)
	right.Merge(a)

	assert.Equal(t, left.Summary(), right.Summary())
}

func TestComparePartitionsExactlyOneRelation(t *testing.T) {
	cases := []struct {
		name     string
		a, b     map[string]uint64
		expected vectorclock.Relation
	}{
		{"equal empty", nil, nil, vectorclock.Equal},
		{"equal", map[string]uint64{"A": 1}, map[string]uint64{"A": 1}, vectorclock.Equal},
		{"before", map[string]uint64{"A": 1}, map[string]uint64{"A": 2}, vectorclock.Before},
		{"after", map[string]uint64{"A": 2, "B": 1}, map[string]uint64{"A": 1, "B": 1}, vectorclock.After},
		{"concurrent", map[string]uint64{"A": 2}, map[string]uint64{"B": 1}, vectorclock.Concurrent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := vectorclock.FromMap(tc.a)
			b := vectorclock.FromMap(tc.b)
			assert.Equal(t, tc.expected, a.Compare(b))
		})
	}
}

func TestRemoveNode(t *testing.T) {
	c := vectorclock.FromMap(map[string]uint64{"A": 1})
	assert.True(t, c.RemoveNode("A"))
	assert.False(t, c.RemoveNode("A"))
	assert.Equal(t, uint64(0), c.Get("A"))
}

func TestSummaryIsDisconnectedFromClock(t *testing.T) {
	c := vectorclock.FromMap(map[string]uint64{"A": 1})
	s := c.Summary()
	s["A"] = 99
	assert.Equal(t, uint64(1), c.Get("A"))
}
