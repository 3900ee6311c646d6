package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/middleware"
	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/store"
	"github.com/cossistant/realtime/pkg/logger"
	"github.com/cossistant/realtime/pkg/metrics"
)

// Gateway owns socket connection lifecycle: authenticate, register, route
// inbound client events, and tear down. It is glue around the registry and
// router rather than business logic of its own.
type Gateway struct {
	registry  *Registry
	router    *Router
	store     store.Store
	jwtSecret string
	origins   []string
	upgrader  websocket.Upgrader
	log       *logger.Logger
}

// NewGateway creates a gateway.
func NewGateway(registry *Registry, router *Router, st store.Store, jwtSecret string, allowedOrigins []string, log *logger.Logger) *Gateway {
	g := &Gateway{
		registry:  registry,
		router:    router,
		store:     st,
		jwtSecret: jwtSecret,
		origins:   allowedOrigins,
		log:       log.Named("gateway"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin validates the Origin header against the configured
// allow-list. No configuration allows everything (dev mode); an empty
// Origin header (non-browser clients) is always allowed.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range g.origins {
		if origin == a || a == "*" {
			return true
		}
	}
	g.log.Warn("origin rejected", zap.String("origin", origin))
	return false
}

// HandleWS handles GET /ws. Authentication runs before the upgrade so a
// rejected client never occupies a registered connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	rec, err := g.authenticate(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	c := newConn(connectionID, ws)
	rec.Sender = c
	g.registry.Register(connectionID, rec)

	kind := "dashboard"
	if rec.VisitorID != "" {
		kind = "visitor"
	}
	metrics.SocketConnectionsActive.WithLabelValues(kind).Inc()
	g.log.Info("connection established",
		zap.String("connection_id", connectionID),
		zap.String("kind", kind),
		zap.String("website_id", rec.WebsiteID),
	)

	go c.writePump()

	if rec.VisitorID != "" {
		g.router.Route(r.Context(), model.RealtimeEvent{
			Type: model.EventVisitorConnected,
			Payload: model.EventPayload{
				WebsiteID:      rec.WebsiteID,
				OrganizationID: rec.OrganizationID,
				VisitorID:      rec.VisitorID,
			},
		}, RouteContext{ConnectionID: connectionID})
	}

	g.readLoop(c, rec)

	// Socket closed or errored: clean up in lock-step.
	g.registry.Unregister(connectionID)
	c.close()
	metrics.SocketConnectionsActive.WithLabelValues(kind).Dec()

	if rec.VisitorID != "" {
		g.router.Route(context.Background(), model.RealtimeEvent{
			Type: model.EventVisitorDisconnected,
			Payload: model.EventPayload{
				WebsiteID:      rec.WebsiteID,
				OrganizationID: rec.OrganizationID,
				VisitorID:      rec.VisitorID,
			},
		}, RouteContext{ConnectionID: connectionID})
	}
	g.log.Info("connection closed", zap.String("connection_id", connectionID))
}

// authenticate resolves the session behind an upgrade request. Dashboard
// sessions present a bearer token; widget sessions present the website's
// public key plus a visitor id. The returned record has exactly one of
// UserID or VisitorID set.
func (g *Gateway) authenticate(r *http.Request) (ConnectionRecord, error) {
	ctx := r.Context()

	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return ConnectionRecord{}, errors.New("invalid authorization header")
		}
		claims, err := middleware.ParseClaims(parts[1], g.jwtSecret)
		if err != nil {
			return ConnectionRecord{}, err
		}
		if claims.Subject == "" || claims.OrganizationID == "" {
			return ConnectionRecord{}, errors.New("token missing identity claims")
		}
		return ConnectionRecord{
			WebsiteID:      r.URL.Query().Get("website"),
			OrganizationID: claims.OrganizationID,
			UserID:         claims.Subject,
		}, nil
	}

	key := r.URL.Query().Get("key")
	visitorID := r.Header.Get("X-Visitor-Id")
	if key == "" || visitorID == "" {
		return ConnectionRecord{}, errors.New("missing credentials")
	}
	website, err := g.store.GetWebsiteByPublicKey(ctx, key)
	if err != nil {
		return ConnectionRecord{}, errors.New("unknown website key")
	}
	return ConnectionRecord{
		WebsiteID:      website.ID,
		OrganizationID: website.OrganizationID,
		VisitorID:      visitorID,
	}, nil
}

// readLoop consumes inbound frames until the socket closes. Every accepted
// frame is enriched with the connection's server-side identity before it
// reaches the router.
func (g *Gateway) readLoop(c *conn, rec ConnectionRecord) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("socket read error", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		if !frame.Type.Known() {
			c.sendError("unknown_event_type", "event type is not recognized")
			continue
		}
		if err := AuthorizeInbound(frame.Type, rec); err != nil {
			c.sendError("forbidden_event_type", err.Error())
			continue
		}
		ev, err := EnrichInbound(frame, rec)
		if err != nil {
			c.sendError("invalid_payload", err.Error())
			continue
		}

		g.router.Route(context.Background(), ev, RouteContext{
			ConnectionID: c.id,
			WebsiteID:    rec.WebsiteID,
		})
	}
}
