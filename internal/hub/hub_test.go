package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleethub/broker/internal/model"
	"github.com/fleethub/broker/internal/store"
)

// fakeSession is a minimal SessionHandle recording what the hub delivers.
type fakeSession struct {
	accountID string
	deviceID  string

	mu       sync.Mutex
	received []model.PublishMessage
	shutdown bool
}

func newFakeSession(accountID, deviceID string) *fakeSession {
	return &fakeSession{accountID: accountID, deviceID: deviceID}
}

func (f *fakeSession) AccountID() string { return f.accountID }
func (f *fakeSession) DeviceID() string  { return f.deviceID }

func (f *fakeSession) Deliver(msg model.PublishMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
}

func (f *fakeSession) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeSession) messages() []model.PublishMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.PublishMessage, len(f.received))
	copy(out, f.received)
	return out
}

func newTestHub(t *testing.T) (*Hub, *store.FakeStore, context.CancelFunc) {
	t.Helper()
	fs := store.NewFakeStore()
	h := New(fs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, fs, cancel
}

func setupAccount(fs *store.FakeStore, accountID string, maxConnections, rateLimit int) {
	fs.Accounts[accountID] = store.AccountRow{
		AccountID:            accountID,
		MaxConnections:       maxConnections,
		MaxRequestsPerMinute: rateLimit,
	}
}

// primeTopicRelations pulls whatever is currently in fs's topic-relation
// table into the hub's allow-list, the way the periodic refresh cron would.
// Tests call this after seeding fs so handlePublish's authorization gate
// sees it without waiting a full refresh interval.
func primeTopicRelations(t *testing.T, h *Hub, ctx context.Context) {
	t.Helper()
	h.refreshTopicRelationsOnce(ctx)
	time.Sleep(20 * time.Millisecond)
}

func TestHub_NoEcho(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)
	fs.SetTopicRelation("acct_A", "t1")

	ctx := context.Background()
	primeTopicRelations(t, h, ctx)
	d1 := newFakeSession("acct_A", "d1")
	d2 := newFakeSession("acct_A", "d2")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)
	_, err = h.Connect(ctx, "acct_A", "d2", "sensor", d2)
	require.NoError(t, err)

	h.RegisterTopics("acct_A", "d1", []string{"t1"})
	h.RegisterTopics("acct_A", "d2", []string{"t1"})
	time.Sleep(20 * time.Millisecond)

	h.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d1", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{"v":1}`)},
	})
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, d1.messages())
	assert.Len(t, d2.messages(), 1)
}

func TestHub_ConnectionCap(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)

	ctx := context.Background()
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", newFakeSession("acct_A", "d1"))
	require.NoError(t, err)
	_, err = h.Connect(ctx, "acct_A", "d2", "sensor", newFakeSession("acct_A", "d2"))
	require.NoError(t, err)

	_, err = h.Connect(ctx, "acct_A", "d3", "sensor", newFakeSession("acct_A", "d3"))
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestHub_AuthorizationGate(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)
	// No topic relation set up for "t2".

	ctx := context.Background()
	d1 := newFakeSession("acct_A", "d1")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)

	h.RegisterTopics("acct_A", "d1", []string{"t2"})
	time.Sleep(20 * time.Millisecond)

	h.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d1", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t2"}, Data: json.RawMessage(`{}`)},
	})
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, d1.messages())
}

func TestHub_IdempotentRegistration(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)
	fs.SetTopicRelation("acct_A", "t1")

	ctx := context.Background()
	primeTopicRelations(t, h, ctx)
	d1 := newFakeSession("acct_A", "d1")
	d2 := newFakeSession("acct_A", "d2")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)
	_, err = h.Connect(ctx, "acct_A", "d2", "sensor", d2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.RegisterTopics("acct_A", "d1", []string{"t1"})
	}
	time.Sleep(20 * time.Millisecond)

	h.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d2", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{}`)},
	})
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, d1.messages(), 1, "registering the same topic repeatedly must not duplicate delivery")
}

func TestHub_DisconnectStopsDelivery(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)
	fs.SetTopicRelation("acct_A", "t1")

	ctx := context.Background()
	primeTopicRelations(t, h, ctx)
	d1 := newFakeSession("acct_A", "d1")
	d2 := newFakeSession("acct_A", "d2")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)
	_, err = h.Connect(ctx, "acct_A", "d2", "sensor", d2)
	require.NoError(t, err)
	h.RegisterTopics("acct_A", "d1", []string{"t1"})
	h.RegisterTopics("acct_A", "d2", []string{"t1"})
	time.Sleep(20 * time.Millisecond)

	h.Disconnect("acct_A", "d1", "sensor")
	time.Sleep(20 * time.Millisecond)

	h.Publish(model.PublishMessage{
		Sender:    model.ExternalOrigin(nil),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{}`)},
	})
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, d1.messages())
	assert.Len(t, d2.messages(), 1)

	devices, found := h.GetAccountActivity(ctx, "acct_A")
	require.True(t, found)
	assert.Len(t, devices, 1)
}

func TestHub_ShutdownNotifiesAllSessions(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)

	ctx := context.Background()
	d1 := newFakeSession("acct_A", "d1")
	d2 := newFakeSession("acct_A", "d2")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)
	_, err = h.Connect(ctx, "acct_A", "d2", "sensor", d2)
	require.NoError(t, err)

	h.Shutdown(ctx)

	d1.mu.Lock()
	assert.True(t, d1.shutdown)
	d1.mu.Unlock()
	d2.mu.Lock()
	assert.True(t, d2.shutdown)
	d2.mu.Unlock()
}

func TestHub_ExternalOriginSkipsWebhooks(t *testing.T) {
	// webhooks is nil in this test hub; Publish must not panic when the
	// sender is external (it must also not even attempt to call it for
	// external origin, by construction).
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)
	fs.SetTopicRelation("acct_A", "t1")

	ctx := context.Background()
	primeTopicRelations(t, h, ctx)
	d1 := newFakeSession("acct_A", "d1")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)
	h.RegisterTopics("acct_A", "d1", []string{"t1"})
	time.Sleep(20 * time.Millisecond)

	h.Publish(model.PublishMessage{
		Sender:    model.ExternalOrigin(nil),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{}`)},
	})
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, d1.messages(), 1)
}

func TestHub_RefreshRevokesTopicRelation(t *testing.T) {
	h, fs, cancel := newTestHub(t)
	defer cancel()
	setupAccount(fs, "acct_A", 2, 100)
	fs.SetTopicRelation("acct_A", "t1")

	ctx := context.Background()
	primeTopicRelations(t, h, ctx)
	d1 := newFakeSession("acct_A", "d1")
	d2 := newFakeSession("acct_A", "d2")
	_, err := h.Connect(ctx, "acct_A", "d1", "sensor", d1)
	require.NoError(t, err)
	_, err = h.Connect(ctx, "acct_A", "d2", "sensor", d2)
	require.NoError(t, err)
	h.RegisterTopics("acct_A", "d1", []string{"t1"})
	h.RegisterTopics("acct_A", "d2", []string{"t1"})
	time.Sleep(20 * time.Millisecond)

	h.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d1", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{}`)},
	})
	time.Sleep(20 * time.Millisecond)
	require.Len(t, d2.messages(), 1, "setup: t1 must be deliverable before revocation")

	// Revoke the relation externally and run another refresh cycle. Per
	// spec §9's corrected defect, the rebuild must be atomic (overwrite, not
	// merge) so the revocation takes effect within one interval.
	fs.RemoveTopicRelation("acct_A", "t1")
	primeTopicRelations(t, h, ctx)

	h.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d1", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{}`)},
	})
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, d2.messages(), 1, "revoked topic relation must reject publishes after the next refresh")
}
