package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecord_IncrementsWithinWindow(t *testing.T) {
	l := New()
	base := int64(1_700_000_000) // arbitrary epoch second, not on a minute boundary
	base = base - (base % 60) + 10

	assert.EqualValues(t, 1, l.Record(base))
	assert.EqualValues(t, 2, l.Record(base+5))
	assert.EqualValues(t, 3, l.Record(base+49))
}

func TestRecord_ResetsOnBoundary(t *testing.T) {
	l := New()
	base := int64(1_700_000_000)
	base = base - (base % 60)

	assert.EqualValues(t, 1, l.Record(base+58))
	assert.EqualValues(t, 2, l.Record(base+59))
	// Crossing into the next minute resets the counter.
	assert.EqualValues(t, 1, l.Record(base+60))
}

func TestRecord_CeilingCheckIsCallerResponsibility(t *testing.T) {
	l := New()
	base := int64(1_700_000_000)
	base = base - (base % 60)

	ceiling := uint64(3)
	over := 0
	for i := 0; i < 4; i++ {
		if l.Record(base) > ceiling {
			over++
		}
	}
	assert.Equal(t, 1, over)
}

func TestCount_DoesNotRecord(t *testing.T) {
	l := New()
	base := int64(1_700_000_000)
	l.Record(base)
	l.Record(base)
	assert.EqualValues(t, 2, l.Count())
	assert.EqualValues(t, 2, l.Count())
}
