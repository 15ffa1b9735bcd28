package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStringZeroPadded(t *testing.T) {
	ts := Timestamp{Millis: 1000, Counter: 0, DeviceID: "A"}
	require.Equal(t, "0000000001000-00000-A", ts.String())
}

func TestParseRejectsNonPadded(t *testing.T) {
	_, err := Parse("1000-0-A")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseRoundTrip(t *testing.T) {
	ts := Timestamp{Millis: 1234567890123, Counter: 42, DeviceID: "device-b"}
	got, err := Parse(ts.String())
	require.NoError(t, err)
	require.Equal(t, ts, got)
}

func TestCompareEqualMillisCounterIncrements(t *testing.T) {
	clock := New("A", 0)
	clock.nowFunc = func() time.Time { return time.UnixMilli(1000) }

	first := clock.Now()
	second := clock.Now()

	require.Equal(t, first.Millis, second.Millis)
	require.Greater(t, second.Counter, first.Counter)
	require.Equal(t, -1, Compare(first, second))
}

func TestObserveClampsFarFuture(t *testing.T) {
	clock := New("A", 0)
	wall := time.UnixMilli(1_000_000)
	clock.nowFunc = func() time.Time { return wall }

	var clampedExt, clampedWall uint64
	clock.OnClamp(func(extMs, wallMs uint64) {
		clampedExt, clampedWall = extMs, wallMs
	})

	farFuture := hlcAt(uint64(wall.UnixMilli())+uint64((25*time.Hour).Milliseconds()), 0, "B")
	clock.Observe(farFuture)

	require.Equal(t, farFuture.Millis, clampedExt)
	require.Equal(t, uint64(wall.UnixMilli()), clampedWall)
	require.LessOrEqual(t, clock.LastMillis(), uint64(wall.UnixMilli())+uint64(maxSkew.Milliseconds()))
}

func TestObserveMergesCounterWhenMillisEqual(t *testing.T) {
	clock := New("A", 0)
	wall := time.UnixMilli(5000)
	clock.nowFunc = func() time.Time { return wall }

	ext := hlcAt(5000, 7, "B")
	clock.Observe(ext)

	next := clock.Now()
	require.Equal(t, uint64(5000), next.Millis)
	require.GreaterOrEqual(t, next.Counter, uint32(8))
}

func TestMonotonicAcrossObserveAndNow(t *testing.T) {
	clock := New("A", 0)
	wall := time.UnixMilli(10_000)
	clock.nowFunc = func() time.Time { return wall }

	prev := clock.Now()
	clock.Observe(hlcAt(10_000, 3, "B"))
	next := clock.Now()

	require.Equal(t, 1, Compare(next, prev))
}

func hlcAt(ms uint64, counter uint32, device string) Timestamp {
	return Timestamp{Millis: ms, Counter: counter, DeviceID: device}
}
