package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealNowIsUTC(t *testing.T) {
	now := Real().Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Fake(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	tk := c.NewTicker(10 * time.Second)
	defer tk.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("ticker fired before its interval elapsed")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-tk.C:
		assert.Equal(t, start.Add(10*time.Second), got)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeTickerDropsWhenFull(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)

	c.Advance(5 * time.Second)
	require.Len(t, tk.C, 1)
	<-tk.C

	tk.Stop()
	c.Advance(5 * time.Second)
	assert.Len(t, tk.C, 0)
}

func TestFakeNewTickerPanicsOnZero(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	assert.Panics(t, func() { c.NewTicker(0) })
}
