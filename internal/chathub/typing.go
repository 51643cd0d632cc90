package chathub

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	timer clockwork.Timer
	gen   uint64
}

// typingTracker schedules the automatic "stopped typing" signal. A newer
// start or an explicit stop supersedes the pending one.
type typingTracker struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	quiet   time.Duration
	entries map[typingKey]*typingEntry
	gen     uint64
}

func newTypingTracker(c clockwork.Clock, quiet time.Duration) *typingTracker {
	return &typingTracker{
		clock:   c,
		quiet:   quiet,
		entries: make(map[typingKey]*typingEntry),
	}
}

// start (re)arms the auto-stop for key. onQuiet runs once the user has
// been silent for the quiet interval.
func (t *typingTracker) start(key typingKey, onQuiet func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
	}
	t.gen++
	gen := t.gen
	timer := t.clock.AfterFunc(t.quiet, func() {
		t.mu.Lock()
		cur, ok := t.entries[key]
		if !ok || cur.gen != gen {
			t.mu.Unlock()
			return
		}
		delete(t.entries, key)
		t.mu.Unlock()
		onQuiet()
	})
	t.entries[key] = &typingEntry{timer: timer, gen: gen}
}

// stop cancels a pending auto-stop and reports whether one existed.
func (t *typingTracker) stop(key typingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

func (t *typingTracker) clear(match func(typingKey) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if match(k) {
			e.timer.Stop()
			delete(t.entries, k)
		}
	}
}

func (t *typingTracker) clearUser(userID string) {
	t.clear(func(k typingKey) bool { return k.userID == userID })
}

func (t *typingTracker) clearConversation(conversationID string) {
	t.clear(func(k typingKey) bool { return k.conversationID == conversationID })
}

func (t *typingTracker) stopAll() {
	t.clear(func(typingKey) bool { return true })
}

func (t *typingTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
