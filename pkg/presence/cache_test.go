package presence_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hushline/pkg/presence"
)

func TestCache_SetGet(t *testing.T) {
	t.Parallel()
	c := presence.NewCache()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if _, ok := c.Get("alice"); ok {
		t.Fatal("empty cache returned an entry")
	}
	st, changed := c.Set("alice", true, t0)
	if !changed || !st.Speaking || !st.LastTransitionAt.Equal(t0) {
		t.Fatalf("Set = %+v, %v", st, changed)
	}
	if _, changed := c.Set("alice", true, t0.Add(time.Second)); changed {
		t.Error("Set with the same flag reported a change")
	}
	got, _ := c.Get("alice")
	if !got.LastTransitionAt.Equal(t0) {
		t.Errorf("LastTransitionAt moved without a transition: %v", got.LastTransitionAt)
	}
}

func TestCache_TransitionTimeIsMonotonic(t *testing.T) {
	t.Parallel()
	c := presence.NewCache()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c.Set("bob", true, t0)
	st, _ := c.Set("bob", false, t0.Add(-time.Minute))
	if st.Speaking {
		t.Error("older timestamp must not block the overwrite")
	}
	if !st.LastTransitionAt.Equal(t0) {
		t.Errorf("LastTransitionAt = %v, want clamped to %v", st.LastTransitionAt, t0)
	}
}

func TestCache_SpeakersSnapshotDelete(t *testing.T) {
	t.Parallel()
	c := presence.NewCache()
	now := time.Now()
	c.Set("carol", true, now)
	c.Set("alice", true, now)
	c.Set("bob", false, now)

	if got := c.Speakers(); !slices.Equal(got, []string{"alice", "carol"}) {
		t.Errorf("Speakers = %v", got)
	}
	snap := c.Snapshot()
	if len(snap) != 3 || !snap["carol"].Speaking || snap["bob"].Speaking {
		t.Errorf("Snapshot = %+v", snap)
	}
	snap["bob"] = presence.State{Speaking: true}
	if c.IsSpeaking("bob") {
		t.Error("Snapshot aliases the cache")
	}

	if !c.Delete("carol") || c.Delete("carol") {
		t.Error("Delete must report presence exactly once")
	}
	if c.IsSpeaking("carol") || c.Len() != 2 {
		t.Errorf("after Delete: speaking=%v len=%d", c.IsSpeaking("carol"), c.Len())
	}
}

func TestCache_Concurrent(t *testing.T) {
	t.Parallel()
	c := presence.NewCache()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				c.Set("p", (i+j)%2 == 0, time.Now())
				_ = c.IsSpeaking("p")
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
