package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestSourceWindowPrune(t *testing.T) {
	base := time.Now()
	w := newSourceWindow(3, false)

	for i := 0; i < 3; i++ {
		if !w.allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("emit %d rejected under budget", i)
		}
	}
	if w.allow(base.Add(300 * time.Millisecond)) {
		t.Fatal("fourth emit inside window allowed")
	}

	// First stamp (base) expires one second later; one slot frees up.
	if !w.allow(base.Add(1001 * time.Millisecond)) {
		t.Fatal("emit rejected after oldest stamp expired")
	}
	if w.allow(base.Add(1050 * time.Millisecond)) {
		t.Fatal("emit allowed while window still full")
	}
}

func TestSourceWindowResize(t *testing.T) {
	base := time.Now()
	w := newSourceWindow(4, false)
	for i := 0; i < 4; i++ {
		w.allow(base.Add(time.Duration(i) * time.Millisecond))
	}

	w.resize(2)
	if w.count != 2 {
		t.Fatalf("count after shrink = %d, want 2", w.count)
	}
	// The two newest stamps survive, so the window is still full.
	if w.allow(base.Add(10 * time.Millisecond)) {
		t.Fatal("emit allowed immediately after shrinking below usage")
	}

	w.resize(5)
	if !w.allow(base.Add(20 * time.Millisecond)) {
		t.Fatal("emit rejected after growing the budget")
	}
}

func TestSourceWindowZeroLimit(t *testing.T) {
	w := newSourceWindow(0, true)
	if w.allow(time.Now()) {
		t.Fatal("zero-limit window allowed an emit")
	}
	w = newSourceWindow(-3, true)
	if w.allow(time.Now()) {
		t.Fatal("negative-limit window allowed an emit")
	}
}

func TestSourceLimiterDefaultAndOverride(t *testing.T) {
	l := newSourceLimiter(2)
	base := time.Now()
	l.now = func() time.Time { return base }

	if !l.allow("a") || !l.allow("a") {
		t.Fatal("emits under default budget rejected")
	}
	if l.allow("a") {
		t.Fatal("emit over default budget allowed")
	}

	l.setLimit("b", 5)
	for i := 0; i < 5; i++ {
		if !l.allow("b") {
			t.Fatalf("emit %d under pinned budget rejected", i)
		}
	}
	if l.allow("b") {
		t.Fatal("emit over pinned budget allowed")
	}
	if got := l.limitFor("b"); got != 5 {
		t.Errorf("limitFor(b) = %d, want 5", got)
	}
	if got := l.limitFor("untracked"); got != 2 {
		t.Errorf("limitFor(untracked) = %d, want default 2", got)
	}
}

func TestSourceLimiterSetLimitOnActiveSource(t *testing.T) {
	l := newSourceLimiter(10)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 4; i++ {
		l.allow("chatty")
	}
	l.setLimit("chatty", 2)
	// Recent usage already exceeds the new budget.
	if l.allow("chatty") {
		t.Fatal("emit allowed right after tightening the budget")
	}

	base = base.Add(1100 * time.Millisecond)
	if !l.allow("chatty") {
		t.Fatal("emit rejected after old stamps expired")
	}
}

func TestSourceLimiterEvictionSparesPinnedBudgets(t *testing.T) {
	l := newSourceLimiter(1)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.setLimit("pinned", 3)
	l.allow("pinned")

	// Fill the tracked set past the cap with throwaway sources.
	for i := 0; i < maxTrackedSources+10; i++ {
		l.allow(fmt.Sprintf("src-%d", i))
	}
	if l.tracked() > maxTrackedSources {
		t.Errorf("tracked = %d, want <= %d", l.tracked(), maxTrackedSources)
	}
	if got := l.limitFor("pinned"); got != 3 {
		t.Errorf("pinned budget evicted: limitFor = %d, want 3", got)
	}
}
