package sysinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelta(t *testing.T) {
	assert.EqualValues(t, 5, delta(15, 10))
	assert.EqualValues(t, 0, delta(10, 10))
	// Counter reset after an interface bounce reports zero, not underflow.
	assert.EqualValues(t, 0, delta(3, 10))
}

func TestSnapshotNeverFails(t *testing.T) {
	s := NewSampler("")

	snap := s.Snapshot(context.Background())
	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, snap.MemPercent, 0.0)
	assert.GreaterOrEqual(t, snap.DiskPercent, 0.0)
}
