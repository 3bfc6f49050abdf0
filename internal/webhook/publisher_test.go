package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleethub/broker/internal/authn"
	"github.com/fleethub/broker/internal/model"
	"github.com/fleethub/broker/internal/store"
)

func TestPublisher_DedupesURLsAcrossTopics(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	var bodies [][]byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := store.NewFakeStore()
	fs.WebhookTopics = []store.WebhookTopic{
		{TopicID: "t1", WebhookURL: srv.URL},
		{TopicID: "t2", WebhookURL: srv.URL}, // same URL, two topics
	}

	p := New(fs, authn.NewSigner("secret"))
	p.refreshOnce(context.Background())

	cron := p.Start(context.Background())
	defer cron.Stop()
	defer p.Stop()

	p.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d1", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1", "t2"}, Data: json.RawMessage(`{"v":1}`)},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hits) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestPublisher_SignsDeliveries(t *testing.T) {
	signer := authn.NewSigner("secret")
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := store.NewFakeStore()
	fs.WebhookTopics = []store.WebhookTopic{{TopicID: "t1", WebhookURL: srv.URL}}

	p := New(fs, signer)
	p.refreshOnce(context.Background())
	cron := p.Start(context.Background())
	defer cron.Stop()
	defer p.Stop()

	p.Publish(model.PublishMessage{
		Sender:    model.DeviceOrigin("d1", "sensor"),
		AccountID: "acct_A",
		Event:     model.Event{Topics: []string{"t1"}, Data: json.RawMessage(`{}`)},
	})

	select {
	case sig := <-received:
		assert.NotEmpty(t, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}
