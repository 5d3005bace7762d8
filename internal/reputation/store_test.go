package reputation

import (
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(token string, d *Distribution, dropped bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kind := "update"
	if dropped {
		kind = "drop"
	}
	n.events = append(n.events, kind+":"+token)
}

func TestSpamHamSymmetry(t *testing.T) {
	s := New()
	s.AddSpam("@example.com")
	s.AddSpam("@example.com")
	if got := s.Complaints("@example.com"); got != 2 {
		t.Fatalf("complaints: want 2, got %d", got)
	}
	s.RemoveSpam("@example.com")
	if got := s.Complaints("@example.com"); got != 1 {
		t.Errorf("after ham: want 1, got %d", got)
	}
}

func TestDropNotifiesPeers(t *testing.T) {
	s := New()
	n := &recordingNotifier{}
	s.Notifier = n

	s.AddSpam("192.0.2.5")
	s.Drop("192.0.2.5")
	if got := s.Complaints("192.0.2.5"); got != 0 {
		t.Errorf("dropped token still has complaints: %d", got)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	want := []string{"update:192.0.2.5", "drop:192.0.2.5"}
	if len(n.events) != 2 || n.events[0] != want[0] || n.events[1] != want[1] {
		t.Errorf("events: want %v, got %v", want, n.events)
	}
}

func TestApplyRemoteDoesNotNotify(t *testing.T) {
	s := New()
	n := &recordingNotifier{}
	s.Notifier = n

	s.ApplyRemote("@example.com", 5, false)
	if got := s.Complaints("@example.com"); got != 5 {
		t.Fatalf("complaints: want 5, got %d", got)
	}
	// A lower peer count never discards local complaints.
	s.ApplyRemote("@example.com", 2, false)
	if got := s.Complaints("@example.com"); got != 5 {
		t.Errorf("remote downgrade applied: %d", got)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) != 0 {
		t.Errorf("ApplyRemote notified peers: %v", n.events)
	}
}

func TestReapDropsStale(t *testing.T) {
	s := New()
	s.RestorePersistRecord(PersistRecord{Token: "stale", LastQuery: time.Now().Add(-EvictAge - time.Hour)})
	s.RestorePersistRecord(PersistRecord{Token: "fresh", LastQuery: time.Now()})

	s.Reap()
	found := map[string]bool{}
	for _, d := range s.Snapshot() {
		found[d.Token] = true
	}
	if found["stale"] {
		t.Error("stale entry survived Reap")
	}
	if !found["fresh"] {
		t.Error("fresh entry dropped by Reap")
	}
}

func TestStoreDirtyFlag(t *testing.T) {
	s := New()
	if s.TakeDirty() {
		t.Error("fresh store dirty")
	}
	s.AddQuery("a")
	if !s.TakeDirty() {
		t.Error("AddQuery did not set dirty")
	}
	if s.TakeDirty() {
		t.Error("TakeDirty did not clear")
	}
}
