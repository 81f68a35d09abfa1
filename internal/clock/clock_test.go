package clock

import (
	"testing"
	"time"
)

func TestReal_NowAdvances(t *testing.T) {
	c := New()
	t1 := c.Now()
	time.Sleep(time.Millisecond)
	t2 := c.Now()
	if !t2.After(t1) {
		t.Fatalf("expected real clock to advance, got t1=%v t2=%v", t1, t2)
	}
}

func TestMock_SetAndAdvance(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMockAt(base)

	if got := m.Now(); !got.Equal(base) {
		t.Fatalf("expected %v, got %v", base, got)
	}

	m.Advance(time.Hour)
	want := base.Add(time.Hour)
	if got := m.Now(); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	other := base.Add(24 * time.Hour)
	m.Set(other)
	if got := m.Now(); !got.Equal(other) {
		t.Fatalf("expected %v, got %v", other, got)
	}
}

func TestMock_AutoAdvance(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMockAt(base)
	m.SetAutoAdvance(time.Second)

	first := m.Now()
	second := m.Now()
	if second.Sub(first) != time.Second {
		t.Fatalf("expected auto-advance step of 1s, got %v", second.Sub(first))
	}

	m.DisableAutoAdvance()
	third := m.Now()
	fourth := m.Now()
	if !third.Equal(fourth) {
		t.Fatalf("expected clock frozen after disabling auto-advance, got %v and %v", third, fourth)
	}
}

func TestMock_Since(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMockAt(base)
	m.Advance(5 * time.Minute)

	if got := m.Since(base); got != 5*time.Minute {
		t.Fatalf("expected 5m since base, got %v", got)
	}
}
