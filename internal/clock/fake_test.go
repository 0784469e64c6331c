package clock_test

import (
	"testing"
	"time"

	"formsync/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFuncFiresOnAdvance(t *testing.T) {
	c := clock.Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, fired)

	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "one-shot timer fires once")
	assert.Equal(t, 0, c.Pending())
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := clock.Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFake_CallbackMayScheduleTimer(t *testing.T) {
	c := clock.Fake(epoch)
	var order []string
	c.AfterFunc(time.Second, func() {
		order = append(order, "first")
		c.AfterFunc(time.Second, func() { order = append(order, "second") })
	})

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestFake_CallbacksSeeTheirOwnDeadline(t *testing.T) {
	c := clock.Fake(epoch)
	var seen []time.Time
	var chain func()
	chain = func() {
		seen = append(seen, c.Now())
		if len(seen) < 3 {
			c.AfterFunc(time.Second, chain)
		}
	}
	c.AfterFunc(time.Second, chain)

	c.Advance(10 * time.Second)
	assert.Equal(t, []time.Time{
		epoch.Add(time.Second),
		epoch.Add(2 * time.Second),
		epoch.Add(3 * time.Second),
	}, seen)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
	assert.Zero(t, c.Pending())
}

func TestFake_TickerCoalescesLongAdvance(t *testing.T) {
	c := clock.Fake(epoch)
	ticker := c.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.Advance(17 * time.Second)
	assert.Equal(t, epoch.Add(15*time.Second), <-ticker.C)

	c.Advance(3 * time.Second)
	assert.Equal(t, epoch.Add(20*time.Second), <-ticker.C)
}

func TestFake_StopFromSiblingCallback(t *testing.T) {
	c := clock.Fake(epoch)
	fired := false
	var victim *clock.Timer
	c.AfterFunc(time.Second, func() { victim.Stop() })
	victim = c.AfterFunc(2*time.Second, func() { fired = true })

	c.Advance(5 * time.Second)
	assert.False(t, fired)
}

func TestFake_Ticker(t *testing.T) {
	c := clock.Fake(epoch)
	ticker := c.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case now := <-ticker.C:
		assert.Equal(t, epoch.Add(5*time.Second), now)
	default:
		t.Fatal("expected tick")
	}

	c.Advance(4 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("unexpected tick")
	default:
	}
}

func TestFake_NewTickerPanicsOnZero(t *testing.T) {
	c := clock.Fake(epoch)
	require.Panics(t, func() { c.NewTicker(0) })
}

func TestFake_Now(t *testing.T) {
	c := clock.Fake(epoch)
	c.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), c.Now())
}
