package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/inbox-service/internal/model"
	registrytransport "github.com/opsdesk/inbox-service/internal/registry/transport"
)

func TestDeliveryScoping(t *testing.T) {
	hub := NewHub(16)
	scopeID := uuid.New()
	convID := uuid.New()
	otherConv := uuid.New()

	convSub, err := hub.Subscribe(context.Background(), registrytransport.Scope{ScopeID: scopeID, ConversationID: convID})
	require.NoError(t, err)
	defer convSub.Unsubscribe()
	scopeSub, err := hub.Subscribe(context.Background(), registrytransport.Scope{ScopeID: scopeID})
	require.NoError(t, err)
	defer scopeSub.Unsubscribe()

	hub.PublishMessage(registrytransport.EventInsert, model.MessageRow{
		ID:             "msg_1",
		ConversationID: convID,
		Content:        "for the open conversation",
	})
	hub.PublishMessage(registrytransport.EventInsert, model.MessageRow{
		ID:             "msg_2",
		ConversationID: otherConv,
		Content:        "elsewhere",
	})

	select {
	case event := <-convSub.Events():
		require.Equal(t, registrytransport.EventInsert, event.Type)
		require.Equal(t, registrytransport.EntityMessages, event.Entity)
		var row model.MessageRow
		require.NoError(t, json.Unmarshal(event.Payload, &row))
		assert.Equal(t, "msg_1", row.ID)
	case <-time.After(time.Second):
		t.Fatal("expected message event")
	}
	select {
	case event := <-convSub.Events():
		t.Fatalf("unexpected event for another conversation: %+v", event)
	case <-time.After(20 * time.Millisecond):
	}

	hub.PublishConversation(registrytransport.EventUpdate, model.ConversationRow{
		ID:      convID,
		ScopeID: scopeID,
	})
	select {
	case event := <-scopeSub.Events():
		assert.Equal(t, registrytransport.EntityConversations, event.Entity)
	case <-time.After(time.Second):
		t.Fatal("expected conversation event on scope channel")
	}
}

func TestSendEchoesInsertWithCorrelation(t *testing.T) {
	hub := NewHub(16)
	hub.SetEcho(true, time.Millisecond)
	scopeID := uuid.New()
	convID := uuid.New()

	sub, err := hub.Subscribe(context.Background(), registrytransport.Scope{ScopeID: scopeID, ConversationID: convID})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, err := hub.Send(context.Background(), registrytransport.SendRequest{
		ConversationID: convID,
		Content:        "echoed",
		CorrelationID:  "corr-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-7", msg.CorrelationID)
	assert.NotEmpty(t, msg.ID)

	select {
	case event := <-sub.Events():
		var row model.MessageRow
		require.NoError(t, json.Unmarshal(event.Payload, &row))
		assert.Equal(t, msg.ID, row.ID)
		assert.Equal(t, "corr-7", row.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("expected echoed insert")
	}
}

func TestFailSends(t *testing.T) {
	hub := NewHub(16)
	sendErr := errors.New("backend down")
	hub.FailSends(sendErr)

	_, err := hub.Send(context.Background(), registrytransport.SendRequest{
		ConversationID: uuid.New(),
		Content:        "x",
	})
	require.ErrorIs(t, err, sendErr)

	hub.FailSends(nil)
	_, err = hub.Send(context.Background(), registrytransport.SendRequest{
		ConversationID: uuid.New(),
		Content:        "x",
	})
	require.NoError(t, err)
}

func TestFetchPageOffsetsFromNewest(t *testing.T) {
	hub := NewHub(16)
	convID := uuid.New()
	base := time.Now().UTC()
	rows := make([]model.MessageRow, 5)
	for i := range rows {
		rows[i] = model.MessageRow{
			ID:             "msg_" + string(rune('a'+i)),
			ConversationID: convID,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
	}
	hub.SeedHistory(convID, rows)

	page, err := hub.FetchPage(context.Background(), registrytransport.PageRequest{
		ConversationID: convID,
		Offset:         0,
		Limit:          2,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "msg_d", page.Records[0].ID)
	assert.Equal(t, "msg_e", page.Records[1].ID)
	assert.True(t, page.HasMore)

	page, err = hub.FetchPage(context.Background(), registrytransport.PageRequest{
		ConversationID: convID,
		Offset:         4,
		Limit:          2,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "msg_a", page.Records[0].ID)
	assert.False(t, page.HasMore)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(16)
	sub, err := hub.Subscribe(context.Background(), registrytransport.Scope{ScopeID: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, 1, hub.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, hub.SubscriberCount())
	assert.NoError(t, sub.Err())

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestDropAllReportsError(t *testing.T) {
	hub := NewHub(16)
	sub, err := hub.Subscribe(context.Background(), registrytransport.Scope{ScopeID: uuid.New()})
	require.NoError(t, err)

	connErr := errors.New("connection reset")
	hub.DropAll(connErr)
	assert.Equal(t, 0, hub.SubscriberCount())

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), connErr)
}
