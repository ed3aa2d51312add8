package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMockClockAdvanceFiresTicker(t *testing.T) {
	base := time.Date(2025, 4, 3, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(base)
	ticker := c.NewTicker(time.Second)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its period elapsed")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ticker.C():
		if !got.Equal(base.Add(time.Second)) {
			t.Errorf("tick time = %v, want %v", got, base.Add(time.Second))
		}
	default:
		t.Fatal("ticker did not fire after Advance")
	}
}

func TestMockClockStoppedTickerDoesNotFire(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockClockRecordsSleeps(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	c.Sleep(5 * time.Second)
	c.Sleep(250 * time.Millisecond)

	sleeps := c.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 5*time.Second || sleeps[1] != 250*time.Millisecond {
		t.Errorf("Sleeps() = %v, want [5s 250ms]", sleeps)
	}
	// Sleeping advances the mock time.
	if got := c.Now(); !got.Equal(time.Unix(0, 0).Add(5*time.Second + 250*time.Millisecond)) {
		t.Errorf("Now() after sleeps = %v", got)
	}
}
