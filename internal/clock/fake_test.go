package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	clk := NewFake()

	var fired []string
	clk.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clk.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	clk.Advance(5 * time.Second)

	if len(fired) != 3 || fired[0] != "a" || fired[1] != "b" || fired[2] != "c" {
		t.Fatalf("fired = %v, want [a b c]", fired)
	}
}

func TestFakeAfterFuncNotDueDoesNotFire(t *testing.T) {
	clk := NewFake()

	fired := false
	clk.AfterFunc(10*time.Second, func() { fired = true })

	clk.Advance(9 * time.Second)
	if fired {
		t.Fatal("timer fired before deadline")
	}

	clk.Advance(1 * time.Second)
	if !fired {
		t.Fatal("timer did not fire at deadline")
	}
}

func TestFakeTimerStop(t *testing.T) {
	clk := NewFake()

	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("first Stop should report the timer was armed")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report already stopped")
	}

	clk.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if n := clk.PendingTimers(); n != 0 {
		t.Fatalf("PendingTimers = %d, want 0", n)
	}
}

func TestFakeTickerDeliversTicks(t *testing.T) {
	clk := NewFake()
	ticker := clk.NewTicker(time.Second)
	defer ticker.Stop()

	clk.Advance(3 * time.Second)

	ticks := 0
	for {
		select {
		case <-ticker.C():
			ticks++
			continue
		default:
		}
		break
	}
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}
}

func TestFakeNowAdvances(t *testing.T) {
	clk := NewFake()
	start := clk.Now()

	clk.Advance(90 * time.Second)

	if got := clk.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("advanced %v, want 90s", got)
	}
}

func TestFakeTimerSeesIntermediateNow(t *testing.T) {
	clk := NewFake()
	start := clk.Now()

	var at time.Time
	clk.AfterFunc(2*time.Second, func() { at = clk.Now() })

	clk.Advance(10 * time.Second)

	// The callback observes the clock at its own deadline, not the final
	// target of the advance.
	if got := at.Sub(start); got != 2*time.Second {
		t.Fatalf("callback saw now=start+%v, want start+2s", got)
	}
}
