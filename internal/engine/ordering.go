package engine

import (
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/opsdesk/inbox-service/internal/model"
)

// orderBefore reports whether a belongs before b in the inbox list: all
// pinned records precede all unpinned ones, and within each group records
// are non-increasing by the group's ordering timestamp.
func orderBefore(a, b model.Conversation) bool {
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	return a.OrderingTimestamp().After(b.OrderingTimestamp())
}

// findConversation scans all segments for the id. Caller holds e.mu.
func (e *Engine) findConversation(id uuid.UUID) (model.Conversation, bool) {
	segments, err := e.store.Segments(e.runCtx)
	if err != nil {
		log.Error("engine: segments read failed", "err", err)
		return model.Conversation{}, false
	}
	for _, segment := range segments {
		for _, c := range segment {
			if c.ID == id {
				return c, true
			}
		}
	}
	return model.Conversation{}, false
}

// applyConversationInsert prepends a new conversation to the front of the
// most-recent segment. An id already present anywhere is a duplicate
// delivery and is ignored.
// Caller holds e.mu.
func (e *Engine) applyConversationInsert(c model.Conversation) {
	if _, present := e.findConversation(c.ID); present {
		return
	}
	if c.Status == model.StatusDeleted {
		return
	}
	if err := e.store.PrependToFirstSegment(e.runCtx, c); err != nil {
		log.Error("engine: conversation insert failed", "id", c.ID, "err", err)
	}
}

// applyConversationUpdate classifies the change and applies it:
//
//   - a soft delete removes the record outright;
//   - a change that leaves last-activity, preview, and pin state alone is
//     metadata-only and mutates the record in place, position untouched;
//   - anything else repositions the record at the slot the ordering
//     invariant implies.
//
// An update whose last-activity timestamp is older than the stored one is
// discarded as stale, so out-of-order updates cannot regress state.
// Caller holds e.mu.
func (e *Engine) applyConversationUpdate(c model.Conversation) {
	stored, present := e.findConversation(c.ID)
	if !present {
		// The stream is authoritative; an update for an unknown record
		// becomes an insert.
		e.applyConversationInsert(c)
		return
	}
	if c.Status == model.StatusDeleted {
		e.applyConversationDelete(c.ID)
		return
	}
	if c.LastActivityAt.Before(stored.LastActivityAt) {
		log.Debug("engine: skipping stale conversation update", "id", c.ID)
		return
	}

	metadataOnly := c.LastActivityAt.Equal(stored.LastActivityAt) &&
		c.LastMessagePreview == stored.LastMessagePreview &&
		c.Pinned == stored.Pinned

	if metadataOnly {
		if err := e.store.UpdateConversation(e.runCtx, c.ID, model.ConversationPatch{
			CounterpartName:      &c.CounterpartName,
			CounterpartAvatarURL: &c.CounterpartAvatarURL,
			Read:                 &c.Read,
			ReadAt:               c.ReadAt,
			PinnedAt:             c.PinnedAt,
			Status:               &c.Status,
		}); err != nil {
			log.Error("engine: conversation update failed", "id", c.ID, "err", err)
		}
		return
	}
	e.repositionConversation(c)
}

// applyConversationDelete removes every occurrence of the id.
// Caller holds e.mu.
func (e *Engine) applyConversationDelete(id uuid.UUID) {
	if err := e.store.RemoveConversation(e.runCtx, id); err != nil {
		log.Error("engine: conversation delete failed", "id", id, "err", err)
	}
}

// repositionConversation removes every occurrence of the record's id from
// all loaded segments, since a real update must never leave a stale
// duplicate behind, and reinserts the record at the slot the ordering invariant
// implies.
// Caller holds e.mu.
func (e *Engine) repositionConversation(c model.Conversation) {
	segments, err := e.store.Segments(e.runCtx)
	if err != nil {
		log.Error("engine: segments read failed", "err", err)
		return
	}

	// Defensive full rescan across every segment, not just the first
	// that contains the id.
	for si := range segments {
		kept := segments[si][:0]
		for _, existing := range segments[si] {
			if existing.ID != c.ID {
				kept = append(kept, existing)
			}
		}
		segments[si] = kept
	}

	segments = insertOrdered(segments, c)
	if err := e.store.ReplaceSegments(e.runCtx, segments); err != nil {
		log.Error("engine: segments replace failed", "err", err)
	}
}

// insertOrdered places c at the first flattened position whose occupant
// should come after it. The segment layout is preserved; the record joins
// the segment that owns the insertion slot.
func insertOrdered(segments [][]model.Conversation, c model.Conversation) [][]model.Conversation {
	if len(segments) == 0 {
		return [][]model.Conversation{{c}}
	}
	for si := range segments {
		for ci := range segments[si] {
			if orderBefore(c, segments[si][ci]) {
				segment := segments[si]
				segment = append(segment[:ci], append([]model.Conversation{c}, segment[ci:]...)...)
				segments[si] = segment
				return segments
			}
		}
	}
	last := len(segments) - 1
	segments[last] = append(segments[last], c)
	return segments
}
