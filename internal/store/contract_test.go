package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/model"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("append assigns defaults", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		stored, err := s.Append(ctx, &model.Message{ConversationID: "alice", Text: "Hello!"})
		require.NoError(t, err)
		assert.NotEmpty(t, stored.ID)
		assert.NotZero(t, stored.Timestamp)
		assert.Equal(t, model.StatusSent, stored.Status)

		msgs, err := s.Messages(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, stored.ID, msgs[0].ID)
		assert.Equal(t, model.StatusSent, msgs[0].Status)
		assert.Nil(t, msgs[0].StatusTimestamp)
	})

	t.Run("append keeps supplied id and rejects duplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, &model.Message{ID: "1", ConversationID: "alice", Text: "Hello!"})
		require.NoError(t, err)
		_, err = s.Append(ctx, &model.Message{ID: "1", ConversationID: "alice", Text: "again"})
		assert.True(t, errors.Is(err, model.ErrConflict))

		msgs, err := s.Messages(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Hello!", msgs[0].Text)
	})

	t.Run("append validates required fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, &model.Message{Text: "no conversation"})
		assert.True(t, errors.Is(err, model.ErrValidation))
		_, err = s.Append(ctx, &model.Message{ConversationID: "alice"})
		assert.True(t, errors.Is(err, model.ErrValidation))

		all, err := s.All(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("messages ordered by timestamp", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, m := range []model.Message{
			{ID: "3", ConversationID: "alice", Text: "c", Timestamp: 3000},
			{ID: "1", ConversationID: "alice", Text: "a", Timestamp: 1000},
			{ID: "x", ConversationID: "bob", Text: "other", Timestamp: 500},
			{ID: "2", ConversationID: "alice", Text: "b", Timestamp: 2000},
		} {
			m := m
			_, err := s.Append(ctx, &m)
			require.NoError(t, err)
		}

		msgs, err := s.Messages(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i := 1; i < len(msgs); i++ {
			assert.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
		}
		assert.Equal(t, "1", msgs[0].ID)
		assert.Equal(t, "3", msgs[2].ID)
	})

	t.Run("unknown conversation is empty", func(t *testing.T) {
		s := newStore(t)
		msgs, err := s.Messages(context.Background(), "nobody")
		require.NoError(t, err)
		assert.NotNil(t, msgs)
		assert.Empty(t, msgs)
	})

	t.Run("import is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		msg := &model.Message{ID: "wamid.1", ConversationID: "919937320320", Text: "Hi", Timestamp: 1754400000}

		inserted, err := s.Import(ctx, msg)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.Import(ctx, msg)
		require.NoError(t, err)
		assert.False(t, inserted)

		all, err := s.All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Equal(t, int64(1754400000), all[0].Timestamp)
	})

	t.Run("import requires an id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Import(context.Background(), &model.Message{ConversationID: "alice", Text: "x"})
		assert.True(t, errors.Is(err, model.ErrValidation))
	})

	t.Run("update status is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, &model.Message{ID: "m1", ConversationID: "alice", Text: "Hello!"})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			res, err := s.UpdateStatus(ctx, "m1", model.StatusDelivered, 42)
			require.NoError(t, err)
			assert.True(t, res.Matched)
		}

		all, err := s.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, model.StatusDelivered, all[0].Status)
		require.NotNil(t, all[0].StatusTimestamp)
		assert.Equal(t, int64(42), *all[0].StatusTimestamp)
		assert.Equal(t, "Hello!", all[0].Text)
	})

	t.Run("update status on unknown id does not match", func(t *testing.T) {
		s := newStore(t)
		res, err := s.UpdateStatus(context.Background(), "missing", model.StatusRead, 1)
		require.NoError(t, err)
		assert.False(t, res.Matched)

		all, err := s.All(context.Background())
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("find by id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Append(ctx, &model.Message{ID: "f1", ConversationID: "alice", Text: "find me"})
		require.NoError(t, err)

		msg, err := s.FindByID(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, "find me", msg.Text)

		_, err = s.FindByID(ctx, "nope")
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("members", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateMember(ctx, model.Member{WaID: "919937320320", Name: "Ravi"})
		require.NoError(t, err)
		_, err = s.CreateMember(ctx, model.Member{WaID: "919937320320", Name: "Impostor"})
		assert.True(t, errors.Is(err, model.ErrConflict))
		_, err = s.CreateMember(ctx, model.Member{WaID: "", Name: "Nobody"})
		assert.True(t, errors.Is(err, model.ErrValidation))

		members, err := s.Members(ctx)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "Ravi", members[0].Name)
	})

	t.Run("concurrent appends across conversations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const perConversation = 20
		conversations := []string{"a", "b", "c", "d"}
		var wg sync.WaitGroup
		for _, conv := range conversations {
			wg.Add(1)
			go func(conv string) {
				defer wg.Done()
				for i := 0; i < perConversation; i++ {
					_, err := s.Append(ctx, &model.Message{
						ID:             fmt.Sprintf("%s-%d", conv, i),
						ConversationID: conv,
						Text:           "hi",
						Timestamp:      int64(i + 1),
					})
					assert.NoError(t, err)
				}
			}(conv)
		}
		wg.Wait()

		for _, conv := range conversations {
			msgs, err := s.Messages(ctx, conv)
			require.NoError(t, err)
			assert.Len(t, msgs, perConversation)
		}
	})

	t.Run("closed store is unavailable", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.Messages(context.Background(), "alice")
		assert.True(t, errors.Is(err, model.ErrStorageUnavailable), "got %v", err)
	})
}
