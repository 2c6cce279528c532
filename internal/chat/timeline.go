package chat

import "sort"

// Timeline is the ordered message list of one open conversation together
// with its seen-id set. Every insertion goes through the set, so an id is
// displayed at most once no matter how many delivery paths report it.
//
// A Timeline is not safe for concurrent use; its owner serializes access.
type Timeline struct {
	entries []Entry
	seen    map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[string]struct{})}
}

// Reset empties the list and the seen-id set.
func (t *Timeline) Reset() {
	t.entries = nil
	t.seen = make(map[string]struct{})
}

// Seed merges a history snapshot. Entries already seen are skipped.
func (t *Timeline) Seed(history []Entry) {
	for _, e := range history {
		t.Insert(e)
	}
}

func (t *Timeline) Has(id string) bool {
	_, ok := t.seen[id]
	return ok
}

// Insert places e at its sorted position and reports whether it was added.
// It returns false if the message id was already seen.
func (t *Timeline) Insert(e Entry) bool {
	if t.Has(e.Message.ID) {
		return false
	}
	t.seen[e.Message.ID] = struct{}{}

	i := sort.Search(len(t.entries), func(i int) bool {
		return e.Message.Before(t.entries[i].Message)
	})
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	return true
}

// Remove drops id from both the list and the seen-id set. It reports
// whether an entry was displayed.
func (t *Timeline) Remove(id string) bool {
	delete(t.seen, id)
	for i := range t.entries {
		if t.entries[i].Message.ID == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// MarkRead sets the read flag of a displayed message. The flag never goes
// back to false. It reports whether anything changed.
func (t *Timeline) MarkRead(id string) (Entry, bool) {
	for i := range t.entries {
		if t.entries[i].Message.ID != id {
			continue
		}
		if t.entries[i].Message.IsRead {
			return t.entries[i], false
		}
		t.entries[i].Message.IsRead = true
		return t.entries[i], true
	}
	return Entry{}, false
}

func (t *Timeline) Len() int { return len(t.entries) }

// Entries returns a copy of the list in display order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
