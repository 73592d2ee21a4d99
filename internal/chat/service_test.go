package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/model"
	"github.com/Tyrowin/chatrelay/internal/store"
)

type published struct {
	conversationID string
	event          string
	msg            model.Message
	storedAtPush   bool
}

// recordingHub captures publishes and checks that each announced message is
// already readable from the store at publish time.
type recordingHub struct {
	mu    sync.Mutex
	store store.MessageStore
	got   []published
	err   error
}

func (h *recordingHub) Publish(ctx context.Context, conversationID string, payload []byte) error {
	var frame struct {
		Event string        `json:"event"`
		Data  model.Message `json:"data"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	_, findErr := h.store.FindByID(ctx, frame.Data.ID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, published{
		conversationID: conversationID,
		event:          frame.Event,
		msg:            frame.Data,
		storedAtPush:   findErr == nil,
	})
	return h.err
}

func (h *recordingHub) events() []published {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]published(nil), h.got...)
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *recordingHub) {
	t.Helper()
	s := store.NewMemoryStore()
	hub := &recordingHub{store: s}
	return NewService(s, hub, zerolog.Nop()), s, hub
}

func TestSend_StoresThenPublishes(t *testing.T) {
	svc, s, hub := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Send(ctx, model.Message{ConversationID: "alice", Text: "Hello!", Status: model.StatusRead, Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, stored.Status)
	assert.Greater(t, stored.Timestamp, int64(1))
	assert.NotEmpty(t, stored.ID)

	events := hub.events()
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].conversationID)
	assert.Equal(t, EventNewMessage, events[0].event)
	assert.Equal(t, *stored, events[0].msg)
	assert.True(t, events[0].storedAtPush)

	msgs, err := s.Messages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSend_ValidationFailureDoesNotPublish(t *testing.T) {
	svc, s, hub := newTestService(t)

	_, err := svc.Send(context.Background(), model.Message{ConversationID: "alice"})
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Empty(t, hub.events())

	all, err := s.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSend_PublishFailureKeepsMessage(t *testing.T) {
	svc, s, hub := newTestService(t)
	hub.err = errors.New("hub closed")

	stored, err := svc.Send(context.Background(), model.Message{ConversationID: "alice", Text: "still stored"})
	require.NoError(t, err)

	_, err = s.FindByID(context.Background(), stored.ID)
	assert.NoError(t, err)
}

func TestSend_StorageUnavailable(t *testing.T) {
	svc, s, hub := newTestService(t)
	require.NoError(t, s.Close())

	_, err := svc.Send(context.Background(), model.Message{ConversationID: "alice", Text: "x"})
	assert.True(t, errors.Is(err, model.ErrStorageUnavailable))
	assert.Empty(t, hub.events())
}

func TestSend_PublishOrderFollowsStoreOrder(t *testing.T) {
	svc, s, hub := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Send(ctx, model.Message{ConversationID: "busy", Text: "hi"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.All(ctx)
	require.NoError(t, err)
	events := hub.events()
	require.Len(t, events, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, events[i].msg.ID)
	}
	assert.Zero(t, svc.locks.size())
}

func TestNilHub(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Send(ctx, model.Message{ConversationID: "alice", Text: "offline"})
	require.NoError(t, err)

	inserted, err := svc.ImportMessage(ctx, model.Message{ID: "w1", ConversationID: "alice", Text: "imported"})
	require.NoError(t, err)
	assert.True(t, inserted)

	res, err := svc.ApplyReceipt(ctx, model.Receipt{ID: "w1", Status: "read", Timestamp: 9})
	require.NoError(t, err)
	assert.True(t, res.Matched)
}

func TestImportMessage(t *testing.T) {
	svc, _, hub := newTestService(t)
	ctx := context.Background()
	msg := model.Message{ID: "wamid.1", ConversationID: "919937320320", Text: "Hi", Timestamp: 1754400000}

	inserted, err := svc.ImportMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = svc.ImportMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, inserted)

	events := hub.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventNewMessage, events[0].event)
	assert.Equal(t, model.StatusSent, events[0].msg.Status)
	assert.Equal(t, int64(1754400000), events[0].msg.Timestamp)
}

func TestApplyReceipt(t *testing.T) {
	svc, s, hub := newTestService(t)
	ctx := context.Background()
	stored, err := svc.Send(ctx, model.Message{ConversationID: "alice", Text: "Hello!"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := svc.ApplyReceipt(ctx, model.Receipt{ID: stored.ID, Status: "delivered", Timestamp: 77})
		require.NoError(t, err)
		assert.True(t, res.Matched)
	}

	msgs, err := s.Messages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusDelivered, msgs[0].Status)

	events := hub.events()
	require.Len(t, events, 3)
	assert.Equal(t, EventMessageStatus, events[1].event)
	assert.Equal(t, model.StatusDelivered, events[1].msg.Status)
	require.NotNil(t, events[1].msg.StatusTimestamp)
	assert.Equal(t, int64(77), *events[1].msg.StatusTimestamp)
}

func TestApplyReceipt_Unmatched(t *testing.T) {
	svc, s, hub := newTestService(t)

	res, err := svc.ApplyReceipt(context.Background(), model.Receipt{ID: "ghost", Status: "read"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Empty(t, hub.events())

	all, err := s.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApplyReceipt_Invalid(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ApplyReceipt(context.Background(), model.Receipt{ID: "m1", Status: "exploded"})
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = svc.ApplyReceipt(context.Background(), model.Receipt{Status: "read"})
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestAddMember(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	member, err := svc.AddMember(ctx, model.Member{WaID: " 919937320320 ", Name: "Ravi"})
	require.NoError(t, err)
	assert.Equal(t, "919937320320", member.WaID)

	_, err = svc.AddMember(ctx, model.Member{WaID: "919937320320", Name: "Someone else"})
	assert.True(t, errors.Is(err, model.ErrConflict))

	_, err = svc.AddMember(ctx, model.Member{Name: "No id"})
	assert.True(t, errors.Is(err, model.ErrValidation))

	members, err := svc.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Ravi", members[0].Name)
}

func TestConversations(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Send(ctx, model.Message{ConversationID: "bob", Text: "b"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, model.Message{ConversationID: "alice", Text: "a"})
	require.NoError(t, err)

	convs, err := svc.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "alice", convs[0].ID)
	assert.Equal(t, "bob", convs[1].ID)
}

func TestEncodeEvent(t *testing.T) {
	data, err := EncodeEvent(EventJoined, "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"joined","data":"alice"}`, string(data))
}
