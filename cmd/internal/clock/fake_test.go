package clock

import (
	"testing"
	"time"
)

func TestFakeTicker_FiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	tk := c.NewTicker(3 * time.Second)
	defer tk.Stop()

	c.Advance(2 * time.Second)
	select {
	case <-tk.C:
		t.Fatalf("tick before deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case got := <-tk.C:
		if want := start.Add(3 * time.Second); !got.Equal(want) {
			t.Fatalf("tick=%v want=%v", got, want)
		}
	default:
		t.Fatalf("expected tick at deadline")
	}
}

func TestFakeTicker_DropsWhenConsumerIsBehind(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(10 * time.Second)

	n := 0
	for {
		select {
		case <-tk.C:
			n++
			continue
		default:
		}
		break
	}
	if n != 1 {
		t.Fatalf("buffered ticks=%d want=1", n)
	}
}

func TestFakeTicker_StopUnregisters(t *testing.T) {
	t.Parallel()

	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	c.WaitForTickers(1)

	tk.Stop()
	if got := c.Tickers(); got != 0 {
		t.Fatalf("Tickers()=%d want=0", got)
	}

	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatalf("stopped ticker fired")
	default:
	}
}
