// Package hub implements the central pub/sub registry (spec §4.3): session
// bookkeeping, the tenant topic allow-list, per-tenant device caps, and
// event fan-out. It is realized as a single-writer actor: one goroutine
// drains a command channel and owns every mutable map — no registry is
// ever touched from any other goroutine.
package hub

import (
	"context"

	"github.com/fleethub/broker/internal/eventlog"
	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/metrics"
	"github.com/fleethub/broker/internal/model"
	"github.com/fleethub/broker/internal/store"
	"github.com/fleethub/broker/internal/webhook"
)

// commandQueueDepth bounds how many in-flight commands may queue behind a
// slow external-store call before callers start blocking on send.
const commandQueueDepth = 256

// accountState is the hub's in-memory view of one tenant.
type accountState struct {
	devices        map[string]model.Device // device_id -> Device
	maxConnections int
	rateLimit      int
}

// Hub is the single-writer registry. All access happens through the
// exported methods below, which translate to commands sent over cmdCh; the
// run loop is the only goroutine that ever reads or writes the maps.
type Hub struct {
	st       store.Store
	webhooks *webhook.Publisher
	log      *eventlog.Writer

	cmdCh chan interface{}

	// Registry state. Owned exclusively by run().
	sessions       map[string]SessionHandle    // device_id -> handle
	topics         map[string]map[string]struct{} // topic_id -> set<device_id>
	topicRelations map[string]map[string]struct{} // account_id -> set<topic_id>
	accounts       map[string]*accountState
}

// New builds a Hub. Call Run in its own goroutine to start processing.
func New(st store.Store, webhooks *webhook.Publisher) *Hub {
	return &Hub{
		st:             st,
		webhooks:       webhooks,
		log:            eventlog.New(st),
		cmdCh:          make(chan interface{}, commandQueueDepth),
		sessions:       make(map[string]SessionHandle),
		topics:         make(map[string]map[string]struct{}),
		topicRelations: make(map[string]map[string]struct{}),
		accounts:       make(map[string]*accountState),
	}
}

// Run drains the command channel until ctx is cancelled. Each command runs
// to completion before the next is considered, which is what gives the hub
// its single-writer guarantee.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.cmdCh:
			h.handle(ctx, cmd)
		}
	}
}

func (h *Hub) handle(ctx context.Context, cmd interface{}) {
	switch c := cmd.(type) {
	case connectCmd:
		h.handleConnect(ctx, c)
	case disconnectCmd:
		h.handleDisconnect(c)
	case registerTopicsCmd:
		h.handleRegisterTopics(ctx, c)
	case publishCmd:
		h.handlePublish(ctx, c)
	case getAccountActivityCmd:
		h.handleGetAccountActivity(c)
	case shutdownCmd:
		h.handleShutdown(c)
	case refreshTopicRelationsCmd:
		h.topicRelations = c.relations
		logger.Hub().Debug().Int("accounts", len(c.relations)).Msg("topic relations refreshed")
	default:
		logger.Hub().Error().Interface("cmd", cmd).Msg("unknown command")
	}
}

// Connect admits a new device connection, blocking until the hub has
// processed it. Returns the tenant's configured rate limit ceiling on
// success.
func (h *Hub) Connect(ctx context.Context, accountID, deviceID, deviceTypeID string, handle SessionHandle) (int, error) {
	reply := make(chan connectResult, 1)
	select {
	case h.cmdCh <- connectCmd{accountID: accountID, deviceID: deviceID, deviceTypeID: deviceTypeID, handle: handle, reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.rateLimit, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Disconnect removes a device connection. Fire-and-forget from the caller's
// perspective; the hub processes it in order with everything else.
func (h *Hub) Disconnect(accountID, deviceID, deviceTypeID string) {
	h.cmdCh <- disconnectCmd{accountID: accountID, deviceID: deviceID, deviceTypeID: deviceTypeID}
}

// RegisterTopics subscribes a device to topics, gated by the tenant
// allow-list.
func (h *Hub) RegisterTopics(accountID, deviceID string, topics []string) {
	h.cmdCh <- registerTopicsCmd{accountID: accountID, deviceID: deviceID, topics: topics}
}

// Publish fans a PublishMessage out to subscribers and, for device-origin
// messages, to the webhook publisher.
func (h *Hub) Publish(msg model.PublishMessage) {
	h.cmdCh <- publishCmd{msg: msg}
}

// GetAccountActivity returns a snapshot of a tenant's connected devices.
func (h *Hub) GetAccountActivity(ctx context.Context, accountID string) ([]model.Device, bool) {
	reply := make(chan getAccountActivityResult, 1)
	select {
	case h.cmdCh <- getAccountActivityCmd{accountID: accountID, reply: reply}:
	case <-ctx.Done():
		return nil, false
	}
	select {
	case res := <-reply:
		return res.devices, res.found
	case <-ctx.Done():
		return nil, false
	}
}

// Shutdown pushes a Shutdown notice to every registered session and waits
// for the hub to have dispatched them all.
func (h *Hub) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	select {
	case h.cmdCh <- shutdownCmd{done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RefreshTopicRelations is called by the periodic refresh job (refresh.go)
// to atomically swap in a freshly loaded allow-list.
func (h *Hub) RefreshTopicRelations(relations map[string]map[string]struct{}) {
	h.cmdCh <- refreshTopicRelationsCmd{relations: relations}
}

// --- command handlers, run loop only ---------------------------------------

func (h *Hub) handleConnect(ctx context.Context, c connectCmd) {
	acct, ok := h.accounts[c.accountID]
	if !ok {
		row, err := h.st.GetAccount(ctx, c.accountID)
		if err != nil {
			logger.Hub().Error().Err(err).Str("account_id", c.accountID).Msg("connect: load account failed")
			metrics.ConnectionsRejectedTotal.WithLabelValues("transient").Inc()
			c.reply <- connectResult{err: ErrTransient}
			return
		}
		acct = &accountState{
			devices:        make(map[string]model.Device),
			maxConnections: row.MaxConnections,
			rateLimit:      row.MaxRequestsPerMinute,
		}
		h.accounts[c.accountID] = acct
	}

	if len(acct.devices) >= acct.maxConnections {
		logger.Hub().Error().Str("account_id", c.accountID).Str("device_id", c.deviceID).Msg("connect: max connections reached")
		h.log.Error(ctx, c.accountID, map[string]interface{}{"event": "connect_denied", "device_id": c.deviceID, "reason": "max_connections"})
		metrics.ConnectionsRejectedTotal.WithLabelValues("admission").Inc()
		c.reply <- connectResult{err: ErrAdmissionDenied}
		return
	}

	acct.devices[c.deviceID] = model.Device{DeviceID: c.deviceID, DeviceTypeID: c.deviceTypeID}
	h.sessions[c.deviceID] = c.handle
	metrics.ActiveSessions.Inc()

	logger.Hub().Info().Str("account_id", c.accountID).Str("device_id", c.deviceID).Msg("connected")
	h.log.Info(ctx, c.accountID, map[string]interface{}{"event": "connected", "device_id": c.deviceID, "device_type_id": c.deviceTypeID})

	c.reply <- connectResult{rateLimit: acct.rateLimit}
}

func (h *Hub) handleDisconnect(c disconnectCmd) {
	if acct, ok := h.accounts[c.accountID]; ok {
		delete(acct.devices, c.deviceID)
	} else {
		logger.Hub().Error().Str("account_id", c.accountID).Str("device_id", c.deviceID).Msg("disconnect: account missing")
	}

	if _, ok := h.sessions[c.deviceID]; ok {
		delete(h.sessions, c.deviceID)
		metrics.ActiveSessions.Dec()
	}

	logger.Hub().Info().Str("account_id", c.accountID).Str("device_id", c.deviceID).Msg("disconnected")
	h.log.Info(context.Background(), c.accountID, map[string]interface{}{"event": "disconnected", "device_id": c.deviceID, "device_type_id": c.deviceTypeID})

	// Stale entries in h.topics[*] for this device are intentionally left in
	// place; handlePublish filters on h.sessions[d] existing, so nothing is
	// delivered to them while the device is disconnected. A later session
	// that connects with the same device id receives events on those topics
	// without registering them again.
}

func (h *Hub) handleRegisterTopics(ctx context.Context, c registerTopicsCmd) {
	for _, t := range c.topics {
		exists, err := h.st.TopicRelationExists(ctx, c.accountID, t)
		if err != nil {
			logger.Hub().Error().Err(err).Str("account_id", c.accountID).Str("topic", t).Msg("register topics: lookup failed")
			continue
		}
		if !exists {
			continue
		}
		if h.topics[t] == nil {
			h.topics[t] = make(map[string]struct{})
		}
		h.topics[t][c.deviceID] = struct{}{}
	}
}

func (h *Hub) handlePublish(ctx context.Context, c publishCmd) {
	msg := c.msg
	recipients := make(map[string]struct{})
	admitted := false

	for _, t := range msg.Event.Topics {
		if _, allowed := h.topicRelations[msg.AccountID][t]; !allowed {
			continue
		}
		admitted = true
		for d := range h.topics[t] {
			if dev, isDevice := msg.Sender.IsDevice(); isDevice && dev.DeviceID == d {
				continue
			}
			recipients[d] = struct{}{}
		}
	}

	if _, isDevice := msg.Sender.IsDevice(); isDevice && h.webhooks != nil {
		h.webhooks.Publish(msg)
	}

	logger.Hub().Info().Str("account_id", msg.AccountID).Int("recipients", len(recipients)).Msg("message received")
	outcome := "delivered"
	if !admitted {
		outcome = "rejected"
	}
	metrics.PublishesTotal.WithLabelValues(outcome).Inc()

	for d := range recipients {
		if handle, ok := h.sessions[d]; ok {
			handle.Deliver(msg)
		}
	}
}

func (h *Hub) handleGetAccountActivity(c getAccountActivityCmd) {
	acct, ok := h.accounts[c.accountID]
	if !ok {
		c.reply <- getAccountActivityResult{found: false}
		return
	}
	devices := make([]model.Device, 0, len(acct.devices))
	for _, d := range acct.devices {
		devices = append(devices, d)
	}
	c.reply <- getAccountActivityResult{devices: devices, found: true}
}

func (h *Hub) handleShutdown(c shutdownCmd) {
	for _, handle := range h.sessions {
		handle.Shutdown()
	}
	close(c.done)
}
