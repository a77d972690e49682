package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.False(t, IsTempID("msg_"+uuid.NewString()))
	assert.NotEqual(t, id, NewTempID())
}

func TestOrderingTimestamp(t *testing.T) {
	activity := time.Now().UTC()
	pinTime := activity.Add(-time.Hour)

	c := Conversation{LastActivityAt: activity}
	assert.Equal(t, activity, c.OrderingTimestamp())

	c.Pinned = true
	c.PinnedAt = &pinTime
	assert.Equal(t, pinTime, c.OrderingTimestamp())

	// Pinned without a pin time falls back to activity.
	c.PinnedAt = nil
	assert.Equal(t, activity, c.OrderingTimestamp())
}

func TestMessagePatchApply(t *testing.T) {
	m := Message{
		ID:            NewTempID(),
		Content:       "original",
		SendStatus:    SendStatusSending,
		CorrelationID: "corr-1",
		Optimistic:    true,
	}

	newID := "msg_1"
	sent := SendStatusSent
	optimistic := false
	correlation := "corr-2"
	MessagePatch{
		ID:            &newID,
		SendStatus:    &sent,
		Optimistic:    &optimistic,
		CorrelationID: &correlation,
	}.Apply(&m)

	assert.Equal(t, "msg_1", m.ID)
	assert.Equal(t, SendStatusSent, m.SendStatus)
	assert.Equal(t, "corr-2", m.CorrelationID)
	assert.False(t, m.Optimistic)
	// Untouched fields survive.
	assert.Equal(t, "original", m.Content)
}

func TestMessageRowNormalize(t *testing.T) {
	created := time.Now().UTC()
	row := MessageRow{
		ID:             "msg_1",
		ConversationID: uuid.New(),
		Content:        "hi",
		Sender:         "customer",
		CreatedAt:      created,
	}
	m := row.Normalize()
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, created, m.UpdatedAt, "zero updated_at defaults to created_at")
	assert.Equal(t, SenderCustomer, m.Sender)
	assert.False(t, m.Optimistic)
}

func TestConversationRowNormalize(t *testing.T) {
	row := ConversationRow{
		ID:              uuid.New(),
		CounterpartName: "Dana",
		Status:          "",
	}
	c := row.Normalize()
	assert.Equal(t, StatusActive, c.Status)

	row.Status = "archived"
	require.Equal(t, StatusArchived, row.Normalize().Status)
}
