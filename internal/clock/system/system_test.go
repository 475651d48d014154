package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(90 * time.Minute)
	require.Equal(t, start.Add(90*time.Minute), clk.Now())

	clk.Set(start)
	require.Equal(t, start, clk.Now())
}
