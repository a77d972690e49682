package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/inbox-service/internal/model"
	registrystore "github.com/opsdesk/inbox-service/internal/registry/store"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.db")
	st, err := Open(path)
	require.NoError(t, err)
	return st, path
}

func testMessage(convID uuid.UUID, id, content string) model.Message {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Message{
		ID:             id,
		ConversationID: convID,
		Content:        content,
		Sender:         model.SenderCustomer,
		Status:         model.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testConversation(id uuid.UUID, name string, lastActivity time.Time) model.Conversation {
	return model.Conversation{
		ID:              id,
		CounterpartName: name,
		LastActivityAt:  lastActivity,
		Status:          model.StatusActive,
	}
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t)
	convID := uuid.New()

	require.NoError(t, st.AddMessage(ctx, testMessage(convID, "m1", "first")))
	require.NoError(t, st.AddMessage(ctx, testMessage(convID, "m2", "second")))

	ok, err := st.HasMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	msgs, err := st.Messages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	require.NoError(t, st.RemoveMessage(ctx, "m1"))
	require.NoError(t, st.RemoveMessage(ctx, "m1"))
	msgs, err = st.Messages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = st.Message(ctx, "m1")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestUpdateMessagePreservesOrderAcrossIDChange(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t)
	convID := uuid.New()

	require.NoError(t, st.AddMessage(ctx, testMessage(convID, "m1", "first")))
	tmp := testMessage(convID, model.NewTempID(), "mine")
	require.NoError(t, st.AddMessage(ctx, tmp))
	require.NoError(t, st.AddMessage(ctx, testMessage(convID, "m3", "third")))

	newID := "msg_authoritative"
	sent := model.SendStatusSent
	require.NoError(t, st.UpdateMessage(ctx, tmp.ID, model.MessagePatch{
		ID:         &newID,
		SendStatus: &sent,
	}))

	msgs, err := st.Messages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", newID, "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	ok, err := st.HasMessage(ctx, tmp.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegmentLayoutRoundTrips(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, st.AppendSegment(ctx, []model.Conversation{
		testConversation(a, "A", base),
		testConversation(b, "B", base.Add(-time.Minute)),
	}))
	require.NoError(t, st.AppendSegment(ctx, []model.Conversation{
		testConversation(c, "C", base.Add(-2*time.Minute)),
	}))

	segments, err := st.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, a, segments[0][0].ID)
	assert.Equal(t, b, segments[0][1].ID)
	assert.Equal(t, c, segments[1][0].ID)

	fresh := testConversation(uuid.New(), "Fresh", base.Add(time.Minute))
	require.NoError(t, st.PrependToFirstSegment(ctx, fresh))
	segments, err = st.Segments(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, segments[0][0].ID)
	assert.Equal(t, a, segments[0][1].ID)

	pinned := true
	pinnedAt := base
	require.NoError(t, st.UpdateConversation(ctx, b, model.ConversationPatch{
		Pinned:   &pinned,
		PinnedAt: &pinnedAt,
	}))
	segments, err = st.Segments(ctx)
	require.NoError(t, err)
	assert.True(t, segments[0][2].Pinned)

	require.NoError(t, st.RemoveConversation(ctx, a))
	segments, err = st.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, segments[0], 2)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	st, path := openTestStore(t)
	convID := uuid.New()

	require.NoError(t, st.AddMessage(ctx, testMessage(convID, "m1", "kept")))
	require.NoError(t, st.AppendSegment(ctx, []model.Conversation{
		testConversation(convID, "Kept", time.Now().UTC().Truncate(time.Millisecond)),
	}))

	st2, err := Open(path)
	require.NoError(t, err)

	msgs, err := st2.Messages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Content)

	segments, err := st2.Segments(ctx)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "Kept", segments[0][0].CounterpartName)
}

func TestClearDropsEverything(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t)
	convID := uuid.New()
	require.NoError(t, st.AddMessage(ctx, testMessage(convID, "m1", "a")))
	require.NoError(t, st.AppendSegment(ctx, []model.Conversation{
		testConversation(convID, "A", time.Now().UTC()),
	}))

	require.NoError(t, st.Clear(ctx))
	msgs, err := st.Messages(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	segments, err := st.Segments(ctx)
	require.NoError(t, err)
	assert.Empty(t, segments)
}
