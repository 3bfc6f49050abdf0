// Package webhook implements the WebhookPublisher subsystem (spec §4.4): a
// periodically refreshed topic→URL index, and a bounded-concurrency
// dispatcher that turns device-origin PublishMessage commands into signed
// HTTP POSTs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleethub/broker/internal/authn"
	"github.com/fleethub/broker/internal/config"
	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/metrics"
	"github.com/fleethub/broker/internal/model"
	"github.com/fleethub/broker/internal/store"
)

// userAgent is sent on every outbound delivery.
const userAgent = "fleethub-broker/1.0"

// delivery is one queued HTTP POST.
type delivery struct {
	url  string
	body []byte
}

// Publisher owns the topic→webhook-URL index and the outbound delivery
// queue. The index is only ever written by refreshOnce (under mu); Publish
// only reads it.
type Publisher struct {
	st     store.Store
	signer *authn.Signer
	client *http.Client

	mu     sync.RWMutex
	topics map[string][]string // topic_id -> webhook urls

	queue chan delivery
	wg    sync.WaitGroup
}

// New builds a Publisher with an empty index. Call Start to launch the
// refresh schedule and dispatch workers.
func New(st store.Store, signer *authn.Signer) *Publisher {
	return &Publisher{
		st:     st,
		signer: signer,
		client: &http.Client{Timeout: config.WebhookDispatchTimeout},
		topics: make(map[string][]string),
		queue:  make(chan delivery, config.WebhookQueueDepth),
	}
}

// Start loads the index immediately, schedules periodic refreshes, and
// launches the bounded pool of dispatch workers. Returns the *cron.Cron so
// the caller can Stop() it during shutdown.
func (p *Publisher) Start(ctx context.Context) *cron.Cron {
	p.refreshOnce(ctx)

	c := cron.New()
	_, err := c.AddFunc("@every "+config.WebhookRefreshInterval.String(), func() { p.refreshOnce(ctx) })
	if err != nil {
		logger.Webhook().Error().Err(err).Msg("failed to schedule webhook topics refresh")
	} else {
		c.Start()
	}

	for i := 0; i < config.WebhookDispatchWorkers; i++ {
		p.wg.Add(1)
		go p.dispatchLoop()
	}

	return c
}

// Stop closes the delivery queue and waits for in-flight dispatches to
// finish.
func (p *Publisher) Stop() {
	close(p.queue)
	p.wg.Wait()
}

func (p *Publisher) refreshOnce(ctx context.Context) {
	rows, err := p.st.GetAllWebhookTopics(ctx)
	if err != nil {
		logger.Webhook().Error().Err(err).Msg("webhook topics refresh failed")
		return
	}

	fresh := make(map[string][]string, len(rows))
	seen := make(map[string]map[string]struct{}, len(rows))
	for _, r := range rows {
		if seen[r.TopicID] == nil {
			seen[r.TopicID] = make(map[string]struct{})
		}
		if _, dup := seen[r.TopicID][r.WebhookURL]; dup {
			continue
		}
		seen[r.TopicID][r.WebhookURL] = struct{}{}
		fresh[r.TopicID] = append(fresh[r.TopicID], r.WebhookURL)
	}

	p.mu.Lock()
	p.topics = fresh // atomic swap: fixes the reference's additive-only defect
	p.mu.Unlock()

	logger.Webhook().Debug().Int("topics", len(fresh)).Msg("webhook topics refreshed")
}

// Publish enqueues one delivery per distinct webhook URL bound to any of the
// message's topics. Called by the hub only for device-origin messages
// (spec: external-origin publishes never reach webhooks).
func (p *Publisher) Publish(msg model.PublishMessage) {
	urls := p.urlsFor(msg.Event.Topics)
	if len(urls) == 0 {
		return
	}

	body, err := json.Marshal(msg.Event)
	if err != nil {
		logger.Webhook().Error().Err(err).Msg("failed to serialize event for webhook delivery")
		return
	}

	for _, url := range urls {
		d := delivery{url: url, body: body}
		select {
		case p.queue <- d:
		default:
			logger.Webhook().Error().Str("url", url).Msg("webhook queue full, dropping delivery")
			metrics.WebhookDeliveriesTotal.WithLabelValues("queue_full").Inc()
		}
	}
}

// urlsFor returns the deduplicated union of webhook URLs bound to any of
// topics.
func (p *Publisher) urlsFor(topics []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, t := range topics {
		for _, url := range p.topics[t] {
			if _, ok := seen[url]; ok {
				continue
			}
			seen[url] = struct{}{}
			out = append(out, url)
		}
	}
	return out
}

// dispatchLoop drains the queue and performs HTTP POSTs. Runs as one of
// config.WebhookDispatchWorkers goroutines; failure of one URL never blocks
// another.
func (p *Publisher) dispatchLoop() {
	defer p.wg.Done()
	for d := range p.queue {
		p.deliver(d)
	}
}

func (p *Publisher) deliver(d delivery) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), config.WebhookDispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.body))
	if err != nil {
		logger.Webhook().Error().Err(err).Str("url", d.url).Msg("build webhook request failed")
		metrics.WebhookDeliveriesTotal.WithLabelValues("build_error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if p.signer != nil {
		req.Header.Set("X-Webhook-Signature", p.signer.Sign(d.body))
	}

	resp, err := p.client.Do(req)
	metrics.WebhookDeliveryLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Webhook().Error().Err(err).Str("url", d.url).Msg("webhook delivery failed")
		metrics.WebhookDeliveriesTotal.WithLabelValues("transport_error").Inc()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Webhook().Error().Str("url", d.url).Int("status", resp.StatusCode).Msg("webhook returned non-2xx")
		metrics.WebhookDeliveriesTotal.WithLabelValues(fmt.Sprintf("http_%d", resp.StatusCode/100*100)).Inc()
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
}
