package slidingwindow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllOnesAcceptableRegardlessOfTolerance(t *testing.T) {
	w := New(10, 0)
	for i := 0; i < 10; i++ {
		w.Record(true)
	}
	assert.True(t, w.Acceptable())
}

func TestAllZerosAcceptableOnlyWhenToleranceEqualsWidth(t *testing.T) {
	w := New(10, 9)
	for i := 0; i < 10; i++ {
		w.Record(false)
	}
	assert.False(t, w.Acceptable())

	w2 := New(10, 10)
	for i := 0; i < 10; i++ {
		w2.Record(false)
	}
	assert.True(t, w2.Acceptable())
}

func TestNeverSetsBitsAboveWidth(t *testing.T) {
	w := New(4, 0)
	for i := 0; i < 20; i++ {
		w.Record(true)
	}
	assert.LessOrEqual(t, w.bitmap, uint64(0b1111))
}

func TestToleranceBoundaries(t *testing.T) {
	cases := []struct {
		p         float64
		tolerance uint
		ok        bool
	}{
		{1.9, 0, true},
		{2.0, 1, true},
		{4.9, 1, true},
		{5.0, 2, true},
		{11.9, 2, true},
		{12.0, 3, true},
		{20.0, 3, true},
		{20.1, 0, false},
	}
	for _, tc := range cases {
		got, ok := ToleranceForLossPercent(tc.p)
		assert.Equal(t, tc.ok, ok, "p=%v", tc.p)
		if ok {
			assert.Equal(t, tc.tolerance, got, "p=%v", tc.p)
		}
	}
}

func TestAcceptableRequiresStrictlyMoreThanThreshold(t *testing.T) {
	w := New(10, 2)
	for i := 0; i < 2; i++ {
		w.Record(false)
	}
	for i := 0; i < 8; i++ {
		w.Record(true)
	}
	// 8 successes == width-tolerance (10-2); Acceptable requires strictly more.
	assert.False(t, w.Acceptable())

	w.Record(true)
	// Window now holds 9 successes out of the last 10 records: 9 > 8.
	assert.True(t, w.Acceptable())
}
