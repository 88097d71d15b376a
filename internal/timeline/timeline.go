// Package timeline merges the message sources of one open chat into a single
// de-duplicated, newest-first list.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/locolive/chatsync/internal/domain"
)

const (
	NameYou     = "You"
	NameUnknown = "Unknown"
)

// Entry is a normalized message as shown in the chat.
type Entry struct {
	ID         string    `json:"id,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	// Pending marks an optimistic entry the server has not confirmed.
	Pending bool `json:"pending,omitempty"`
}

// Reconcile normalizes raw, keeps the first occurrence of every server id and
// sorts newest first. Ties keep their relative input order. Without a local
// user the result is empty.
func Reconcile(raw []domain.Message, localUserID string, now time.Time) []Entry {
	if localUserID == "" || len(raw) == 0 {
		return []Entry{}
	}

	seen := make(map[string]struct{}, len(raw))
	entries := make([]Entry, 0, len(raw))
	for _, m := range raw {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		entries = append(entries, normalize(m, localUserID, now))
	}

	sortNewestFirst(entries)
	return entries
}

func normalize(m domain.Message, localUserID string, now time.Time) Entry {
	sentAt := now
	if m.SentAt != nil {
		sentAt = *m.SentAt
	}
	return Entry{
		ID:         m.ID,
		ClientID:   m.ClientID,
		Text:       m.Text,
		SentAt:     sentAt,
		SenderID:   m.Sender.ID,
		SenderName: senderName(m.Sender, localUserID),
		Pending:    m.ID == "",
	}
}

func senderName(sender domain.UserRef, localUserID string) string {
	switch {
	case sender.ID == localUserID:
		return NameYou
	case sender.Name != "":
		return sender.Name
	}
	return NameUnknown
}

func sortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SentAt.After(entries[j].SentAt)
	})
}

// Merge adds incoming entries to current, skipping any whose server id is
// already present. Entries without a server id never collide.
func Merge(current, incoming []Entry) []Entry {
	merged := make([]Entry, 0, len(current)+len(incoming))
	merged = append(merged, current...)

	ids := make(map[string]struct{}, len(current))
	for _, e := range current {
		if e.ID != "" {
			ids[e.ID] = struct{}{}
		}
	}
	for _, e := range incoming {
		if e.ID != "" {
			if _, dup := ids[e.ID]; dup {
				continue
			}
			ids[e.ID] = struct{}{}
		}
		merged = append(merged, e)
	}

	sortNewestFirst(merged)
	return merged
}

// Refresh identifies one REST refetch; see Timeline.BeginRefresh.
type Refresh uint64

// Timeline is the local projection of one chat's messages.
type Timeline struct {
	mu          sync.Mutex
	localUserID string
	entries     []Entry
	now         func() time.Time

	issued  uint64
	applied uint64

	observers    map[int]func([]Entry)
	nextObserver int
	version      uint64

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates an empty timeline for the signed-in user localUserID.
func New(localUserID string) *Timeline {
	return &Timeline{
		localUserID: localUserID,
		entries:     []Entry{},
		now:         time.Now,
		observers:   make(map[int]func([]Entry)),
	}
}

// Entries returns a copy of the current entries, newest first.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Subscribe registers fn to receive the entries after every change.
func (t *Timeline) Subscribe(fn func([]Entry)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextObserver
	t.nextObserver++
	t.observers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.observers, id)
			t.mu.Unlock()
		})
	}
}

// Replace discards the current entries in favor of raw.
func (t *Timeline) Replace(raw []domain.Message) {
	t.mu.Lock()
	t.entries = Reconcile(raw, t.localUserID, t.now())
	t.notifyLocked()
}

// BeginRefresh marks the start of a REST refetch. Pass the result to
// ApplyRefresh once the fetch returns.
func (t *Timeline) BeginRefresh() Refresh {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issued++
	return Refresh(t.issued)
}

// ApplyRefresh replaces the entries with a fetched history unless a later
// refresh has already been applied. It reports whether raw was applied.
func (t *Timeline) ApplyRefresh(r Refresh, raw []domain.Message) bool {
	t.mu.Lock()
	if uint64(r) < t.applied {
		t.mu.Unlock()
		return false
	}
	t.applied = uint64(r)
	t.entries = Reconcile(raw, t.localUserID, t.now())
	t.notifyLocked()
	return true
}

// ApplySnapshot applies a socket snapshot. Snapshots from other senders
// replace the entries. The local user's own echo only confirms pending
// entries whose client id it carries. It reports whether entries changed.
func (t *Timeline) ApplySnapshot(ev domain.MessageRcvdEvent) bool {
	t.mu.Lock()
	if ev.SenderID != t.localUserID {
		t.entries = Reconcile(ev.Messages, t.localUserID, t.now())
		t.notifyLocked()
		return true
	}

	if !t.confirmLocked(ev.Messages) {
		t.mu.Unlock()
		return false
	}
	t.notifyLocked()
	return true
}

func (t *Timeline) confirmLocked(messages []domain.Message) bool {
	echoed := make(map[string]domain.Message)
	for _, m := range messages {
		if m.ClientID != "" && m.ID != "" {
			echoed[m.ClientID] = m
		}
	}
	if len(echoed) == 0 {
		return false
	}

	present := make(map[string]struct{}, len(t.entries))
	for _, e := range t.entries {
		if e.ID != "" {
			present[e.ID] = struct{}{}
		}
	}

	changed := false
	kept := t.entries[:0]
	for _, e := range t.entries {
		m, ok := echoed[e.ClientID]
		if !e.Pending || !ok {
			kept = append(kept, e)
			continue
		}
		changed = true
		if _, dup := present[m.ID]; dup {
			continue
		}
		present[m.ID] = struct{}{}
		e.ID = m.ID
		e.Pending = false
		if m.SentAt != nil {
			e.SentAt = *m.SentAt
		}
		kept = append(kept, e)
	}
	t.entries = kept
	if changed {
		sortNewestFirst(t.entries)
	}
	return changed
}

// AppendLocal adds an optimistic entry. It stays until a confirming echo or
// the next full replace.
func (t *Timeline) AppendLocal(e Entry) {
	t.mu.Lock()
	t.entries = Merge(t.entries, []Entry{e})
	t.notifyLocked()
}

// NewLocalEntry builds the optimistic entry for a message the local user is
// sending.
func (t *Timeline) NewLocalEntry(text, clientID string) Entry {
	return Entry{
		ClientID:   clientID,
		Text:       text,
		SentAt:     t.now(),
		SenderID:   t.localUserID,
		SenderName: NameYou,
		Pending:    true,
	}
}

func (t *Timeline) snapshotLocked() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// notifyLocked releases the lock, then calls observers in change order. A
// notification overtaken by a newer one is dropped, so the last entries an
// observer sees are the current ones. Observers must not modify the timeline.
func (t *Timeline) notifyLocked() {
	t.version++
	version := t.version
	entries := t.snapshotLocked()
	observers := make([]func([]Entry), 0, len(t.observers))
	for _, fn := range t.observers {
		observers = append(observers, fn)
	}
	t.mu.Unlock()

	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if version < t.delivered {
		return
	}
	t.delivered = version
	for _, fn := range observers {
		fn(entries)
	}
}
