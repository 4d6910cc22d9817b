package clock

import (
	"testing"
	"time"
)

func TestManagedWarpForward(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewManaged(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	got := c.WarpForward(2 * time.Hour)
	if want := start.Add(2 * time.Hour); !got.Equal(want) || !c.Now().Equal(want) {
		t.Fatalf("expected %v after warp, got %v", want, got)
	}

	c.WarpForward(-time.Hour)
	if want := start.Add(2 * time.Hour); !c.Now().Equal(want) {
		t.Errorf("negative warp moved the clock to %v", c.Now())
	}
}

func TestManagedSet(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewManaged(start)

	c.Set(start.Add(30 * time.Minute))
	if want := start.Add(30 * time.Minute); !c.Now().Equal(want) {
		t.Fatalf("expected %v, got %v", want, c.Now())
	}

	c.Set(start)
	if want := start.Add(30 * time.Minute); !c.Now().Equal(want) {
		t.Errorf("Set moved the clock backwards to %v", c.Now())
	}
}
