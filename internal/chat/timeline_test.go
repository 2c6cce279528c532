package chat

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(id string, at time.Time) Entry {
	return Entry{Message: Message{ID: id, CreatedAt: at}}
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.ID)
	}
	return out
}

func TestTimeline_DuplicatesAreIgnored(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tl := NewTimeline()
	tl.Seed([]Entry{entryAt("a", base), entryAt("b", base.Add(time.Second))})

	assert.False(t, tl.Insert(entryAt("a", base)))
	assert.False(t, tl.Insert(entryAt("b", base.Add(time.Second))))
	assert.True(t, tl.Insert(entryAt("c", base.Add(2*time.Second))))
	assert.False(t, tl.Insert(entryAt("c", base.Add(2*time.Second))))

	assert.Equal(t, []string{"a", "b", "c"}, ids(tl.Entries()))
}

func TestTimeline_RandomInterleavings(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var all []Entry
		for i := 0; i < 30; i++ {
			// few distinct timestamps so ties by id are exercised
			at := base.Add(time.Duration(rng.Intn(5)) * time.Millisecond)
			all = append(all, entryAt(fmt.Sprintf("m%02d", i), at))
		}

		tl := NewTimeline()
		split := rng.Intn(len(all))
		tl.Seed(all[:split])

		// live deliveries: the rest plus redeliveries of anything, shuffled
		live := append([]Entry(nil), all[split:]...)
		for i := 0; i < 20; i++ {
			live = append(live, all[rng.Intn(len(all))])
		}
		rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
		for _, e := range live {
			tl.Insert(e)
		}

		got := tl.Entries()
		require.Len(t, got, len(all), "round %d", round)
		seen := make(map[string]bool)
		for _, e := range got {
			require.False(t, seen[e.Message.ID], "duplicate %s", e.Message.ID)
			seen[e.Message.ID] = true
		}
		require.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
			return got[i].Message.Before(got[j].Message)
		}), "round %d not sorted", round)
	}
}

func TestTimeline_RemoveClearsSeen(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tl := NewTimeline()
	tl.Seed([]Entry{entryAt("a", base), entryAt("b", base.Add(time.Second))})

	assert.True(t, tl.Remove("a"))
	assert.False(t, tl.Has("a"))
	assert.Equal(t, []string{"b"}, ids(tl.Entries()))
	assert.False(t, tl.Remove("a"))

	assert.True(t, tl.Insert(entryAt("a", base)))
	assert.Equal(t, []string{"a", "b"}, ids(tl.Entries()))
}

func TestTimeline_MarkReadIsMonotonic(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(entryAt("a", time.Now()))

	e, changed := tl.MarkRead("a")
	assert.True(t, changed)
	assert.True(t, e.Message.IsRead)

	_, changed = tl.MarkRead("a")
	assert.False(t, changed)

	// a redelivered unread copy does not reset the flag
	tl.Insert(entryAt("a", time.Now()))
	assert.True(t, tl.Entries()[0].Message.IsRead)

	_, changed = tl.MarkRead("missing")
	assert.False(t, changed)
}

func TestTimeline_EntriesIsACopy(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(entryAt("a", time.Now()))
	out := tl.Entries()
	out[0].Message.Content = "changed"
	assert.Empty(t, tl.Entries()[0].Message.Content)

	tl.Reset()
	assert.Zero(t, tl.Len())
	assert.False(t, tl.Has("a"))
}
