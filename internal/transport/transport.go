// Package transport wires the Hub to the outside world: the WebSocket
// upgrade endpoint devices connect to (spec §6.1), and the small
// control-plane HTTP surface the core itself serves (spec §6.3).
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleethub/broker/internal/authn"
	"github.com/fleethub/broker/internal/hub"
	"github.com/fleethub/broker/internal/logger"
	"github.com/fleethub/broker/internal/model"
	"github.com/fleethub/broker/internal/session"
	"github.com/fleethub/broker/internal/store"
)

const (
	maxDeviceIDLen = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Devices are not browsers; there is no cookie-based session to hijack,
	// so origin checking adds nothing here. Left permissive deliberately.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server bundles everything the HTTP/WebSocket surface needs.
type Server struct {
	hub    *hub.Hub
	st     store.Store
	cipher *authn.APICipher
	engine *gin.Engine
}

// New builds the gin engine and registers routes.
func New(h *hub.Hub, st store.Store, cipher *authn.APICipher) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{hub: h, st: st, cipher: cipher, engine: engine}

	engine.GET("/ws/", s.handleWebSocket)
	engine.POST("/message", s.handlePublish)
	engine.GET("/active_devices", s.handleActiveDevices)
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// handleWebSocket implements spec §6.1: Basic-Auth credential check,
// device-type ownership check, then upgrade and hand off to a new Session.
func (s *Server) handleWebSocket(c *gin.Context) {
	accountID, apiKey, ok := c.Request.BasicAuth()
	if !ok || accountID == "" || apiKey == "" {
		c.Status(http.StatusUnauthorized)
		return
	}

	deviceID := c.GetHeader("Device-Id")
	deviceTypeID := c.GetHeader("Device-Type-Id")
	if !validIdentifier(deviceID) || !validIdentifier(deviceTypeID) {
		c.Status(http.StatusUnauthorized)
		return
	}

	ctx := c.Request.Context()

	ciphertext, iv, err := s.st.GetAPIKeyCiphertext(ctx, accountID)
	if err != nil {
		logger.HTTP().Error().Err(err).Str("account_id", accountID).Msg("ws: api key lookup failed")
		c.Status(http.StatusUnauthorized)
		return
	}
	ok, err = s.cipher.VerifyAPIKey(ciphertext, iv, apiKey)
	if err != nil || !ok {
		c.Status(http.StatusUnauthorized)
		return
	}

	ownsType, err := s.st.DeviceTypeRelationExists(ctx, accountID, deviceTypeID)
	if err != nil || !ownsType {
		c.Status(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Error().Err(err).Msg("ws: upgrade failed")
		return
	}

	sess := session.New(accountID, deviceID, deviceTypeID, 0, conn, s.hub)

	rateLimit, err := s.hub.Connect(ctx, accountID, deviceID, deviceTypeID, sess)
	if err != nil {
		_ = conn.Close()
		return
	}
	sess.SetRateLimit(rateLimit)

	sess.Run(context.Background())
}

// validIdentifier applies the §9 open-question bound: non-empty, at most
// 128 bytes.
func validIdentifier(v string) bool {
	return v != "" && len(v) <= maxDeviceIDLen
}

// handlePublish implements spec §6.3 POST /message: publishes with origin
// ExternalAddress. The Account-Id header is trusted as-is (spec §9.4).
func (s *Server) handlePublish(c *gin.Context) {
	accountID := c.GetHeader("Account-Id")
	if accountID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	var body struct {
		Topics []string        `json:"topics"`
		Data   json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	now := time.Now()
	addr := peerAddressOf(c.Request.RemoteAddr)

	s.hub.Publish(model.PublishMessage{
		Sender:    model.ExternalOrigin(addr),
		AccountID: accountID,
		Event: model.Event{
			SecondsSinceUnix: uint64(now.Unix()),
			NanoSeconds:      uint32(now.Nanosecond()),
			Topics:           body.Topics,
			Data:             body.Data,
		},
	})

	c.Status(http.StatusOK)
}

func peerAddressOf(remoteAddr string) *model.PeerAddress {
	host, portStr, err := splitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}
	return model.NewPeerAddress(host, port)
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", http.ErrNotSupported
	}
	return addr[:idx], addr[idx+1:], nil
}

// handleActiveDevices implements spec §6.3 GET /active_devices.
func (s *Server) handleActiveDevices(c *gin.Context) {
	accountID := c.GetHeader("Account-Id")
	if accountID == "" {
		c.Status(http.StatusBadRequest)
		return
	}

	devices, found := s.hub.GetAccountActivity(c.Request.Context(), accountID)
	if !found {
		c.JSON(http.StatusOK, []model.Device{})
		return
	}
	c.JSON(http.StatusOK, devices)
}
