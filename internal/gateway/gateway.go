// Package gateway runs the per-connection control loop: it authenticates a
// transport, binds a room.Session to it, dispatches inbound events against the
// room.Registry, and drains the session's outbox back to the transport.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/chatgate/internal/auth"
	"github.com/cory-johannsen/chatgate/internal/config"
	"github.com/cory-johannsen/chatgate/internal/observability"
	"github.com/cory-johannsen/chatgate/internal/room"
)

// maxDecodeErrors is the number of consecutive undecodable frames after which
// the connection is dropped.
const maxDecodeErrors = 8

// Transport is a message-framed bidirectional connection. ReadFrame must
// return an error wrapping io.EOF when the peer closes cleanly, and must
// unblock with an error once Close is called. WriteFrame is only called from
// one goroutine at a time.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
	// Kind names the transport in logs ("websocket", "line").
	Kind() string
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithConnectionIDs replaces the uuid connection id source.
func WithConnectionIDs(next func() string) Option {
	return func(g *Gateway) { g.newID = next }
}

// Gateway serves authenticated connections against a shared Registry.
type Gateway struct {
	logger           *zap.Logger
	authn            auth.Authenticator
	rooms            *room.Registry
	cfg              config.GatewayConfig
	handshakeTimeout time.Duration
	validate         *validator.Validate
	now              func() time.Time
	newID            func() string
}

// New creates a Gateway.
//
// Precondition: logger, authn and rooms must be non-nil; cfg must have passed
// validation; handshakeTimeout must be positive.
func New(logger *zap.Logger, authn auth.Authenticator, rooms *room.Registry, cfg config.GatewayConfig, handshakeTimeout time.Duration, opts ...Option) *Gateway {
	g := &Gateway{
		logger:           logger,
		authn:            authn,
		rooms:            rooms,
		cfg:              cfg,
		handshakeTimeout: handshakeTimeout,
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// connection is the state of one authenticated connection.
type connection struct {
	conn    Transport
	sess    *room.Session
	log     *zap.Logger
	limiter *rate.Limiter
}

// Serve runs conn until the peer disconnects, the client sends disconnect, or
// ctx is cancelled. credential is the token supplied by the transport at
// connect time; when empty the first authenticate frame supplies it.
//
// Postcondition: conn is closed and, if a session was created, it has been
// removed from every room. Returns nil on a clean disconnect, an error wrapping
// auth.ErrAuth on rejected credentials, or the transport error.
func (g *Gateway) Serve(ctx context.Context, conn Transport, credential string) error {
	log := observability.ConnectionLogger(g.logger, conn.Kind(), conn.RemoteAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()
	defer conn.Close()

	identity, err := g.authenticate(ctx, conn, credential, log)
	if err != nil {
		return err
	}

	sess := room.NewSession(g.newID(), identity, g.cfg.OutboxSize)
	if err := g.rooms.Attach(sess); err != nil {
		return fmt.Errorf("attaching session: %w", err)
	}
	c := &connection{
		conn:    conn,
		sess:    sess,
		log:     log.With(zap.String("connection_id", sess.ID), zap.String("user_id", identity.ID)),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.EventBurst),
	}
	c.log.Info("connection authenticated", zap.String("username", identity.DisplayName))

	g.send(c, EventConnected, nil, ConnectedPayload{
		ConnectionID: sess.ID,
		User:         User{ID: identity.ID, Username: identity.DisplayName},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.writeLoop(c, cancel)
	}()

	start := time.Now()
	defer func() {
		joined := g.rooms.MemberOf(sess)
		g.rooms.RemoveSessionEverywhere(sess)
		_ = sess.Close()
		wg.Wait()
		c.log.Info("connection closed",
			zap.Strings("rooms", joined),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	err = g.readLoop(ctx, c)
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

// authenticate resolves the connection's Identity. Frames other than
// authenticate received before a credential is known are dropped without reply.
func (g *Gateway) authenticate(ctx context.Context, conn Transport, credential string, log *zap.Logger) (auth.Identity, error) {
	timer := time.AfterFunc(g.handshakeTimeout, func() {
		log.Debug("authentication timed out", zap.Duration("timeout", g.handshakeTimeout))
		_ = conn.Close()
	})
	defer timer.Stop()

	token := credential
	for token == "" {
		raw, err := conn.ReadFrame()
		if err != nil {
			return auth.Identity{}, fmt.Errorf("awaiting credential: %w", err)
		}
		frame, err := DecodeFrame(raw)
		if err != nil || frame.Event != EventAuthenticate {
			log.Debug("dropping frame before authentication", zap.String("event", frame.Event))
			continue
		}
		var p AuthenticatePayload
		if err := g.decode(frame, &p); err != nil {
			err = fmt.Errorf("%w: %v", auth.ErrAuth, err)
			g.rejectConnection(conn, log, err)
			return auth.Identity{}, err
		}
		token = p.Token
	}

	actx, cancel := context.WithTimeout(ctx, g.handshakeTimeout)
	defer cancel()
	identity, err := g.authn.Authenticate(actx, token)
	if err != nil {
		g.rejectConnection(conn, log, err)
		return auth.Identity{}, err
	}
	return identity, nil
}

func (g *Gateway) rejectConnection(conn Transport, log *zap.Logger, err error) {
	log.Info("authentication rejected", zap.Error(err))
	frame, encErr := EncodeFrame(EventConnectError, nil, MessagePayload{Message: MsgAuthError})
	if encErr != nil {
		return
	}
	if werr := conn.WriteFrame(frame); werr != nil {
		log.Debug("writing connect_error failed", zap.Error(werr))
	}
}

// writeLoop is the only writer of the transport once a session exists.
func (g *Gateway) writeLoop(c *connection, cancel context.CancelFunc) {
	for frame := range c.sess.Outbox().Events() {
		if err := c.conn.WriteFrame(frame); err != nil {
			c.log.Debug("write failed", zap.Error(err))
			cancel()
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *connection) error {
	decodeErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := c.conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		if g.cfg.MaxFrameBytes > 0 && int64(len(raw)) > g.cfg.MaxFrameBytes {
			g.sendError(c, MsgFrameTooLarge)
			continue
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			decodeErrors++
			c.log.Debug("undecodable frame", zap.Error(err), zap.Int("consecutive", decodeErrors))
			g.sendError(c, MsgInvalidFrame)
			if decodeErrors >= maxDecodeErrors {
				return fmt.Errorf("%d consecutive undecodable frames: %w", decodeErrors, ErrInvalidFrame)
			}
			continue
		}
		decodeErrors = 0

		if frame.Event != EventDisconnect && !c.limiter.Allow() {
			c.log.Debug("rate limited", zap.String("event", frame.Event))
			g.sendError(c, MsgRateLimited)
			continue
		}

		if !g.dispatch(c, frame) {
			return nil
		}
	}
}

// decode unmarshals frame.Data into dst and validates it.
func (g *Gateway) decode(frame Frame, dst any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%s: missing data", frame.Event)
	}
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		return fmt.Errorf("%s: %w", frame.Event, err)
	}
	if err := g.validate.Struct(dst); err != nil {
		return fmt.Errorf("%s: %w", frame.Event, err)
	}
	return nil
}

// send enqueues an outbound frame on the session outbox. Failures mean the
// client is gone or not reading; they are logged and otherwise ignored.
func (g *Gateway) send(c *connection, event string, ack *int64, data any) {
	frame, err := EncodeFrame(event, ack, data)
	if err != nil {
		c.log.Error("encoding frame", zap.String("event", event), zap.Error(err))
		return
	}
	if err := c.sess.Deliver(frame); err != nil {
		c.log.Debug("enqueue failed", zap.String("event", event), zap.Error(err))
	}
}

func (g *Gateway) sendError(c *connection, msg string) {
	g.send(c, EventError, nil, MessagePayload{Message: msg})
}

// reply answers a request. Requests sent without an ack id get no reply.
func (g *Gateway) reply(c *connection, frame Frame, data any) {
	if frame.Ack == nil {
		c.log.Debug("reply dropped: request carried no ack id", zap.String("event", frame.Event))
		return
	}
	g.send(c, EventAck, frame.Ack, data)
}
