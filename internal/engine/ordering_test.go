package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/opsdesk/inbox-service/internal/model"
)

func conv(name string, pinned bool, ts time.Time) model.Conversation {
	c := model.Conversation{
		ID:              uuid.New(),
		CounterpartName: name,
		LastActivityAt:  ts,
	}
	if pinned {
		c.Pinned = true
		c.PinnedAt = &ts
	}
	return c
}

func TestOrderBefore(t *testing.T) {
	base := time.Now().UTC()
	pinnedOld := conv("pinned old", true, base.Add(-time.Hour))
	unpinnedNew := conv("unpinned new", false, base)
	newer := conv("newer", false, base)
	older := conv("older", false, base.Add(-time.Minute))

	assert.True(t, orderBefore(pinnedOld, unpinnedNew), "pinned always precedes unpinned")
	assert.False(t, orderBefore(unpinnedNew, pinnedOld))
	assert.True(t, orderBefore(newer, older))
	assert.False(t, orderBefore(older, newer))
}

func TestInsertOrderedIntoEmpty(t *testing.T) {
	c := conv("only", false, time.Now().UTC())
	segments := insertOrdered(nil, c)
	assert.Len(t, segments, 1)
	assert.Equal(t, c.ID, segments[0][0].ID)
}

func TestInsertOrderedPicksFlattenedSlot(t *testing.T) {
	base := time.Now().UTC()
	s1a := conv("s1a", false, base)
	s1b := conv("s1b", false, base.Add(-2*time.Minute))
	s2a := conv("s2a", false, base.Add(-4*time.Minute))
	segments := [][]model.Conversation{{s1a, s1b}, {s2a}}

	// Lands between s1a and s1b inside the first segment.
	mid := conv("mid", false, base.Add(-time.Minute))
	got := insertOrdered(copySegs(segments), mid)
	assert.Equal(t, mid.ID, got[0][1].ID)
	assert.Len(t, got[0], 3)
	assert.Len(t, got[1], 1)

	// Lands inside the second segment.
	low := conv("low", false, base.Add(-3*time.Minute))
	got = insertOrdered(copySegs(segments), low)
	assert.Equal(t, low.ID, got[1][0].ID)

	// Older than everything: appended to the last segment.
	oldest := conv("oldest", false, base.Add(-time.Hour))
	got = insertOrdered(copySegs(segments), oldest)
	assert.Equal(t, oldest.ID, got[1][1].ID)
}

func copySegs(segments [][]model.Conversation) [][]model.Conversation {
	out := make([][]model.Conversation, len(segments))
	for i, s := range segments {
		out[i] = append([]model.Conversation(nil), s...)
	}
	return out
}
