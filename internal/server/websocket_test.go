package server_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/model"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

const frameTimeout = 2 * time.Second

func sendMessage(t *testing.T, stack *testhelpers.Stack, conversationID, text string) model.Message {
	t.Helper()
	resp := testhelpers.PostJSON(t, stack.URL()+"/api/messages", map[string]string{
		"conversation_id": conversationID,
		"text":            text,
	})
	testhelpers.AssertStatusCode(t, resp, http.StatusCreated)
	var sent sendResponse
	testhelpers.DecodeJSON(t, resp, &sent)
	return sent.Message
}

func decodeMessage(t *testing.T, f testhelpers.Frame) model.Message {
	t.Helper()
	var msg model.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	return msg
}

func TestPushNewMessageToSubscribers(t *testing.T) {
	stack := testhelpers.NewStack(t, true)

	subscriber := testhelpers.MustConnect(t, stack)
	bystander := testhelpers.MustConnect(t, stack)
	testhelpers.Join(t, subscriber, "alice")
	testhelpers.Join(t, bystander, "bob")

	stored := sendMessage(t, stack, "alice", "Hello!")

	frame := testhelpers.ReadFrame(t, subscriber, frameTimeout)
	assert.Equal(t, chat.EventNewMessage, frame.Event)
	assert.Equal(t, stored, decodeMessage(t, frame))

	testhelpers.ExpectNoFrame(t, bystander, 200*time.Millisecond)
	testhelpers.ExpectNoFrame(t, subscriber, 200*time.Millisecond)
}

func TestPushOrderFollowsStoreOrder(t *testing.T) {
	stack := testhelpers.NewStack(t, true)
	conn := testhelpers.MustConnect(t, stack)
	testhelpers.Join(t, conn, "alice")

	var sent []model.Message
	for i := 0; i < 5; i++ {
		sent = append(sent, sendMessage(t, stack, "alice", fmt.Sprintf("message %d", i)))
	}

	for _, want := range sent {
		frame := testhelpers.ReadFrame(t, conn, frameTimeout)
		assert.Equal(t, want.ID, decodeMessage(t, frame).ID)
	}
}

func TestEverySubscriberGetsExactlyOneCopy(t *testing.T) {
	stack := testhelpers.NewStack(t, true)

	const numClients = 5
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, stack)
		testhelpers.Join(t, conns[i], "alice")
	}
	// A repeated join must not produce a second copy.
	testhelpers.Join(t, conns[0], "alice")

	stored := sendMessage(t, stack, "alice", "fan-out")

	for i, conn := range conns {
		frame := testhelpers.ReadFrame(t, conn, frameTimeout)
		assert.Equal(t, stored.ID, decodeMessage(t, frame).ID, "client %d", i)
		testhelpers.ExpectNoFrame(t, conn, 100*time.Millisecond)
	}
}

func TestLateJoinerGetsNoHistory(t *testing.T) {
	stack := testhelpers.NewStack(t, true)
	sendMessage(t, stack, "alice", "before anyone listened")

	conn := testhelpers.MustConnect(t, stack)
	testhelpers.Join(t, conn, "alice")
	testhelpers.ExpectNoFrame(t, conn, 200*time.Millisecond)
}

func TestLeaveStopsDelivery(t *testing.T) {
	stack := testhelpers.NewStack(t, true)
	conn := testhelpers.MustConnect(t, stack)
	testhelpers.Join(t, conn, "alice")

	require.NoError(t, testhelpers.SendEvent(conn, chat.EventLeave, "alice"))
	assert.Equal(t, chat.EventLeft, testhelpers.ReadFrame(t, conn, frameTimeout).Event)

	sendMessage(t, stack, "alice", "nobody home")
	testhelpers.ExpectNoFrame(t, conn, 200*time.Millisecond)
}

func TestStatusReceiptIsPushed(t *testing.T) {
	stack := testhelpers.NewStack(t, true)
	conn := testhelpers.MustConnect(t, stack)
	testhelpers.Join(t, conn, "alice")

	stored := sendMessage(t, stack, "alice", "did you get this?")
	assert.Equal(t, chat.EventNewMessage, testhelpers.ReadFrame(t, conn, frameTimeout).Event)

	body := fmt.Sprintf(`{"statuses":[{"id":%q,"status":"delivered","timestamp":1754400030}]}`, stored.ID)
	testhelpers.AssertStatusCode(t, testhelpers.PostJSON(t, stack.URL()+"/api/payloads", body), http.StatusOK)

	frame := testhelpers.ReadFrame(t, conn, frameTimeout)
	assert.Equal(t, chat.EventMessageStatus, frame.Event)
	updated := decodeMessage(t, frame)
	assert.Equal(t, stored.ID, updated.ID)
	assert.Equal(t, model.StatusDelivered, updated.Status)
	require.NotNil(t, updated.StatusTimestamp)
	assert.Equal(t, int64(1754400030), *updated.StatusTimestamp)
}

func TestImportedMessageIsPushed(t *testing.T) {
	stack := testhelpers.NewStack(t, true)
	conn := testhelpers.MustConnect(t, stack)
	testhelpers.Join(t, conn, "919937320320")

	body := `{"messages":[{"id":"wamid.9","wa_id":"919937320320","text":"from the webhook","timestamp":"1754400000"}]}`
	testhelpers.AssertStatusCode(t, testhelpers.PostJSON(t, stack.URL()+"/api/payloads", body), http.StatusOK)

	frame := testhelpers.ReadFrame(t, conn, frameTimeout)
	assert.Equal(t, chat.EventNewMessage, frame.Event)
	assert.Equal(t, "wamid.9", decodeMessage(t, frame).ID)

	// Re-delivery of the same unit is a duplicate and is not pushed again.
	testhelpers.AssertStatusCode(t, testhelpers.PostJSON(t, stack.URL()+"/api/payloads", body), http.StatusOK)
	testhelpers.ExpectNoFrame(t, conn, 200*time.Millisecond)
}

func TestInvalidFramesGetErrorEvents(t *testing.T) {
	stack := testhelpers.NewStack(t, true)
	conn := testhelpers.MustConnect(t, stack)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, chat.EventError, testhelpers.ReadFrame(t, conn, frameTimeout).Event)

	require.NoError(t, testhelpers.SendEvent(conn, "shout", "alice"))
	assert.Equal(t, chat.EventError, testhelpers.ReadFrame(t, conn, frameTimeout).Event)

	require.NoError(t, testhelpers.SendEvent(conn, chat.EventJoin, ""))
	assert.Equal(t, chat.EventError, testhelpers.ReadFrame(t, conn, frameTimeout).Event)

	// The connection stays usable.
	testhelpers.Join(t, conn, "alice")
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	stack := testhelpers.NewStack(t, true)

	conn, err := testhelpers.ConnectWebSocket(stack.WSURL())
	require.NoError(t, err)
	testhelpers.Join(t, conn, "alice")
	testhelpers.Join(t, conn, "bob")
	require.Equal(t, 1, stack.Hub.SubscriberCount("alice"))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return stack.Hub.ClientCount() == 0 &&
			stack.Hub.SubscriberCount("alice") == 0 &&
			stack.Hub.SubscriberCount("bob") == 0
	}, frameTimeout, 10*time.Millisecond)

	// Publishing to the abandoned conversation still succeeds.
	sendMessage(t, stack, "alice", "anyone?")
}

func TestConcurrentSendersAndSubscribers(t *testing.T) {
	stack := testhelpers.NewStack(t, true)

	const conversations = 4
	const perConversation = 10
	conns := make([]*websocket.Conn, conversations)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, stack)
		testhelpers.Join(t, conns[i], fmt.Sprintf("conv-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < conversations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < perConversation; n++ {
				_, err := stack.Service.Send(testContext(t), model.Message{
					ConversationID: fmt.Sprintf("conv-%d", i),
					Text:           fmt.Sprintf("m%d", n),
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i, conn := range conns {
		stored, err := stack.Store.Messages(testContext(t), fmt.Sprintf("conv-%d", i))
		require.NoError(t, err)
		require.Len(t, stored, perConversation)
		for n := 0; n < perConversation; n++ {
			frame := testhelpers.ReadFrame(t, conn, frameTimeout)
			assert.Equal(t, fmt.Sprintf("m%d", n), decodeMessage(t, frame).Text)
		}
	}
}

func TestOriginValidation(t *testing.T) {
	testhelpers.ConfigureServer(t, server.Config{AllowedOrigins: []string{testhelpers.TestOrigin}})
	stack := testhelpers.NewStack(t, true)

	t.Run("allowed origin", func(t *testing.T) {
		conn, err := testhelpers.ConnectWebSocketWithOrigin(stack.WSURL(), testhelpers.TestOrigin)
		require.NoError(t, err)
		_ = conn.Close()
	})

	for name, origin := range map[string]string{
		"disallowed origin": "http://evil.example",
		"missing origin":    "",
		"different port":    "http://localhost:5001",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := testhelpers.ConnectWebSocketWithOrigin(stack.WSURL(), origin)
			assert.ErrorIs(t, err, websocket.ErrBadHandshake)
		})
	}
}

func TestMessageSizeLimit(t *testing.T) {
	testhelpers.ConfigureServer(t, server.Config{AllowedOrigins: []string{"*"}, MaxMessageSize: 64})
	stack := testhelpers.NewStack(t, true)

	t.Run("frame within limit", func(t *testing.T) {
		conn := testhelpers.MustConnect(t, stack)
		testhelpers.Join(t, conn, "alice")
	})

	t.Run("oversized frame closes the connection", func(t *testing.T) {
		conn := testhelpers.MustConnect(t, stack)
		big := fmt.Sprintf(`{"event":"join","data":%q}`, strings.Repeat("x", 128))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestRateLimiting(t *testing.T) {
	testhelpers.ConfigureServer(t, server.Config{
		AllowedOrigins: []string{"*"},
		RateLimit:      server.RateLimitConfig{Burst: 3, RefillInterval: time.Hour},
	})
	stack := testhelpers.NewStack(t, true)
	conn := testhelpers.MustConnect(t, stack)

	for i := 0; i < 6; i++ {
		require.NoError(t, testhelpers.SendEvent(conn, chat.EventJoin, fmt.Sprintf("room-%d", i)))
	}

	acks := 0
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
		var f testhelpers.Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		if f.Event == chat.EventJoined {
			acks++
		}
	}
	assert.Equal(t, 3, acks, "frames beyond the burst are discarded")
}

func TestShutdownClosesConnections(t *testing.T) {
	stack := testhelpers.NewStack(t, true)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, stack)
		testhelpers.Join(t, conns[i], "alice")
	}

	require.NoError(t, stack.Hub.Shutdown(frameTimeout))
	assert.Zero(t, stack.Hub.ClientCount())

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, "client should observe the close")
	}

	// Sending still stores the message; the push is simply not delivered.
	resp := testhelpers.PostJSON(t, stack.URL()+"/api/messages", map[string]string{"conversation_id": "alice", "text": "after shutdown"})
	testhelpers.AssertStatusCode(t, resp, http.StatusCreated)
	msgs, err := stack.Store.Messages(testContext(t), "alice")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
