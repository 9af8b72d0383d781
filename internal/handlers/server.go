// internal/handlers/server.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/cambia-host/internal/auth"
	"github.com/jason-s-yu/cambia-host/internal/dispatch"
	"github.com/jason-s-yu/cambia-host/internal/event"
	"github.com/jason-s-yu/cambia-host/internal/middleware"
	"github.com/jason-s-yu/cambia-host/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval    = 30 * time.Second
	writeTimeout    = 5 * time.Second
	announceTimeout = 5 * time.Second
)

// Loop is the part of the dispatcher the handlers talk to.
type Loop interface {
	Submit(ctx context.Context, ev event.Event) error
	Query(ctx context.Context) (dispatch.Stats, error)
}

// Server owns the HTTP surface: user and hub websockets plus the small
// REST endpoints.
type Server struct {
	logger   *logrus.Logger
	loop     Loop
	conns    *Connections
	sessions *auth.Sessions

	// hubSecretHash is the argon2id hash hubs authenticate against; empty
	// accepts any hub.
	hubSecretHash string
	origins       []string
}

// NewServer wires the handlers to a dispatch loop and connection table.
func NewServer(logger *logrus.Logger, loop Loop, conns *Connections, sessions *auth.Sessions, hubSecretHash string) *Server {
	return &Server{
		logger:        logger,
		loop:          loop,
		conns:         conns,
		sessions:      sessions,
		hubSecretHash: hubSecretHash,
		origins:       []string{"*"},
	}
}

// Routes returns the server's HTTP handler.
func (s *Server) Routes() http.Handler {
	logged := middleware.LogMiddleware(s.logger)
	mux := http.NewServeMux()
	mux.Handle("/user/ws", logged(s.UserWSHandler()))
	mux.Handle("/hub/ws", logged(s.HubWSHandler()))
	mux.Handle("/auth/guest", logged(http.HandlerFunc(s.GuestHandler)))
	mux.Handle("/stats", logged(http.HandlerFunc(s.StatsHandler)))
	mux.HandleFunc("/healthz", s.HealthHandler)
	return mux
}

// serve runs one accepted websocket until it closes. connected is submitted
// once the connection is live, each inbound message is wrapped and
// submitted in order, and disconnected is submitted only if this connection
// was still the actor's live one when it ended.
func (s *Server) serve(r *http.Request, c *websocket.Conn, conn *Conn, connected, disconnected event.Event, wrap func(protocol.Message) event.Event) {
	actor, id := conn.Actor.String(), conn.ID.String()

	err := s.conns.Attach(conn, func() error {
		return s.loop.Submit(conn.ctx, connected)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"actor": actor, "id": id}).Warn("failed to announce connection")
		c.Close(websocket.StatusTryAgainLater, "host unavailable")
		return
	}
	middleware.LogWebSocketConnect(s.logger, actor, id, r.RemoteAddr)

	go s.writePump(c, conn)
	readErr := s.readPump(c, conn, wrap)
	conn.Close(readErr)

	s.conns.Detach(conn, func() {
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()
		if err := s.loop.Submit(ctx, disconnected); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"actor": actor, "id": id}).Error("failed to announce disconnect")
		}
	})

	switch cause := context.Cause(conn.ctx); {
	case errors.Is(cause, errReplaced):
		c.Close(ReplacedError, "replaced by a newer connection")
	case errors.Is(cause, ErrSlowConsumer):
		c.Close(SlowConsumerError, "outbound queue full")
	default:
		c.Close(websocket.StatusNormalClosure, "")
	}
	middleware.LogWebSocketDisconnect(s.logger, actor, id, r.RemoteAddr, readErr)
}

// readPump decodes inbound frames and submits them in arrival order. It
// returns the error that ended the connection.
func (s *Server) readPump(c *websocket.Conn, conn *Conn, wrap func(protocol.Message) event.Event) error {
	for {
		typ, data, err := c.Read(conn.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			s.logger.Warnf("%s %v: ignoring non-text message type %d", conn.Actor, conn.ID, typ)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warnf("%s %v: %v", conn.Actor, conn.ID, err)
			select {
			case conn.OutChan <- protocol.Nack("", protocol.ReasonInvalidRequest):
			default:
			}
			continue
		}
		if err := s.loop.Submit(conn.ctx, wrap(msg)); err != nil {
			return err
		}
	}
}

// writePump drains the connection's queue onto the socket and keeps it
// alive with pings.
func (s *Server) writePump(c *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case msg := <-conn.OutChan:
			data, err := protocol.Encode(msg)
			if err != nil {
				s.logger.Warnf("%s %v: failed to marshal %s: %v", conn.Actor, conn.ID, msg.Type, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(conn.ctx, writeTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Warnf("%s %v: failed to write to websocket: %v", conn.Actor, conn.ID, err)
				conn.Close(err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(conn.ctx, writeTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Warnf("%s %v: ping failed: %v", conn.Actor, conn.ID, err)
				conn.Close(err)
				return
			}
		}
	}
}
