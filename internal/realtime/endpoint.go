package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errMissingHub     = errors.New("hub dependency required")
	errMissingHandler = errors.New("event handler dependency required")
)

type EndpointConfig struct {
	Hub             *Hub
	Handler         EventHandler
	AllowedOrigin   string
	EventsPerSecond float64
	EventBurst      int
	IDProvider      IDProvider
	Logger          *zap.Logger
}

// Endpoint upgrades HTTP requests to websocket connections registered with the hub.
type Endpoint struct {
	hub             *Hub
	handler         EventHandler
	upgrader        websocket.Upgrader
	eventsPerSecond float64
	eventBurst      int
	ids             IDProvider
	logger          *zap.Logger
}

func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	checkOrigin, err := newOriginChecker(cfg.AllowedOrigin)
	if err != nil {
		return nil, err
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoint := &Endpoint{
		hub:             cfg.Hub,
		handler:         cfg.Handler,
		eventsPerSecond: cfg.EventsPerSecond,
		eventBurst:      cfg.EventBurst,
		ids:             ids,
		logger:          logger,
	}
	endpoint.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if checkOrigin(r) {
				return true
			}
			logger.Warn("blocked websocket connection from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
			return false
		},
	}
	return endpoint, nil
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID, err := e.ids.NewID()
	if err != nil {
		e.logger.Error("failed to issue connection id", zap.Error(err))
		conn.Close()
		return
	}

	client := newClient(connectionID, e.hub, conn, e.newLimiter(), e.logger)
	if err := e.hub.register(client); err != nil {
		e.logger.Debug("connection rejected", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(e.handler)
}

func (e *Endpoint) newLimiter() *rate.Limiter {
	if e.eventsPerSecond <= 0 {
		return nil
	}
	burst := e.eventBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(e.eventsPerSecond), burst)
}
