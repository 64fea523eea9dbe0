package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu    sync.Mutex
	conns map[string][]string // userID -> connection ids
}

func newFakePresence() *fakePresence {
	return &fakePresence{conns: make(map[string][]string)}
}

func (f *fakePresence) attach(userID string, connIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[userID] = append(f.conns[userID], connIDs...)
}

func (f *fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[userID]) > 0, nil
}

func (f *fakePresence) Connections(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conns[userID]...), nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent map[string][][]byte // connection id -> payloads in order
	fail map[string]error
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{sent: make(map[string][][]byte), fail: make(map[string]error)}
}

func (f *fakeDeliverer) Send(connID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[connID]; err != nil {
		return err
	}
	f.sent[connID] = append(f.sent[connID], payload)
	return nil
}

func (f *fakeDeliverer) payloads(connID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[connID]...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string // recipient user ids
}

func (f *fakeNotifier) MessageReceived(_ context.Context, userID string, _ *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func decodeNewMessage(t *testing.T, payload []byte) *Message {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	require.Equal(t, EventNewMessage, env.Event)
	var data newMessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Message
}

func TestSendFansOutToEveryDevice(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	pres := newFakePresence()
	pres.attach(b, "b-tab", "b-phone")
	hub := newFakeDeliverer()
	notifier := &fakeNotifier{}
	d := NewDispatcher(store, pres, hub, notifier)

	msg, err := d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: a, Content: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.CreatedAt.IsZero())
	require.Equal(t, MessageText, msg.Type)

	// fan-out is asynchronous: both devices see the message, not deduplicated
	require.Eventually(t, func() bool {
		return len(hub.payloads("b-tab")) == 1 && len(hub.payloads("b-phone")) == 1
	}, time.Second, 5*time.Millisecond)

	got := decodeNewMessage(t, hub.payloads("b-tab")[0])
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, "hi", got.Content)

	// sender's own connections get nothing, notifier untouched
	require.Empty(t, hub.payloads("a-tab"))
	require.Zero(t, notifier.count())
}

func TestSendFallsBackToNotifierWhenOffline(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	pres := newFakePresence() // nobody online
	hub := newFakeDeliverer()
	notifier := &fakeNotifier{}
	d := NewDispatcher(store, pres, hub, notifier)

	msg, err := d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: a, Content: "hello?"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{b}, notifier.calls)

	// the message committed regardless of reachability
	got, err := store.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	require.True(t, got.LastMessageAt.Equal(msg.CreatedAt))
}

func TestSendFallsBackWhenEveryConnectionIsDead(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	pres := newFakePresence()
	pres.attach(b, "b-stale")
	hub := newFakeDeliverer()
	hub.fail["b-stale"] = ErrDeliveryTimeout
	notifier := &fakeNotifier{}
	d := NewDispatcher(store, pres, hub, notifier)

	_, err = d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: a, Content: "anyone there"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendRejectsNonParticipant(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	c := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	d := NewDispatcher(store, newFakePresence(), newFakeDeliverer(), &fakeNotifier{})

	_, err = d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: c, Content: "let me in"})
	require.ErrorIs(t, err, ErrNotAParticipant)

	// nothing was persisted
	list, err := store.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRemovedParticipantCannotSend(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)
	require.NoError(t, store.RemoveParticipant(ctx, conv.ID, b))

	d := NewDispatcher(store, newFakePresence(), newFakeDeliverer(), &fakeNotifier{})

	_, err = d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: b, Content: "still here?"})
	require.ErrorIs(t, err, ErrNotAParticipant)
}

func TestSendValidation(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	d := NewDispatcher(store, newFakePresence(), newFakeDeliverer(), &fakeNotifier{})

	_, err = d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: a})
	require.ErrorIs(t, err, ErrValidation)

	_, err = d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: a, Content: "x", Type: "carrier-pigeon"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = d.Send(ctx, SendInput{SenderID: a, Content: "x"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestPerConversationDeliveryOrder(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	c := seedUser(t, db)
	conv, err := store.CreateGroup(ctx, a, "ordering", []string{b, c})
	require.NoError(t, err)

	pres := newFakePresence()
	pres.attach(c, "c-conn")
	hub := newFakeDeliverer()
	d := NewDispatcher(store, pres, hub, &fakeNotifier{})

	const perSender = 10
	var wg sync.WaitGroup
	send := func(sender string) {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			_, err := d.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: sender, Content: sender})
			require.NoError(t, err)
		}
	}
	wg.Add(2)
	go send(a)
	go send(b)
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(hub.payloads("c-conn")) == 2*perSender
	}, 2*time.Second, 5*time.Millisecond)

	// delivery order must match persisted order
	delivered := hub.payloads("c-conn")
	var prev time.Time
	for _, payload := range delivered {
		m := decodeNewMessage(t, payload)
		require.False(t, m.CreatedAt.Before(prev), "message delivered out of persisted order")
		prev = m.CreatedAt
	}
}

func TestTypingRelay(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := seedUser(t, db)
	b := seedUser(t, db)
	conv, _, err := store.CreateDirect(ctx, a, b)
	require.NoError(t, err)

	pres := newFakePresence()
	pres.attach(b, "b-conn")
	hub := newFakeDeliverer()
	d := NewDispatcher(store, pres, hub, &fakeNotifier{})

	require.NoError(t, d.RelayTyping(ctx, conv.ID, a, EventTypingStart))
	require.Len(t, hub.payloads("b-conn"), 1)

	var env Envelope
	require.NoError(t, json.Unmarshal(hub.payloads("b-conn")[0], &env))
	require.Equal(t, EventTypingStart, env.Event)

	c := seedUser(t, db)
	require.ErrorIs(t, d.RelayTyping(ctx, conv.ID, c, EventTypingStart), ErrNotAParticipant)
}
