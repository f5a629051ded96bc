package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"utter/internal/auth"
	"utter/internal/domain"
	"utter/internal/protocol"
)

const (
	// DefaultMaxMessageSize bounds the content field of a message frame.
	DefaultMaxMessageSize = 64 * 1024
	// frameSlack is added to the message ceiling when reading a frame so the
	// remaining envelope fields always fit.
	frameSlack = 64 * 1024
	writeWait  = 10 * time.Second
)

// TokenVerifier checks a session token and returns its subject.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Options configures a Router.
type Options struct {
	MaxMessageSize int
	// TestMode lets a register frame with an empty token through as
	// TestSubject. Never enable it in production.
	TestMode       bool
	TestSubject    string
	AllowedOrigins []string
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// Router owns every relay connection and the device registry.
type Router struct {
	tokens   TokenVerifier
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	now      func() time.Time

	testMode    bool
	testSubject string
	maxSize     atomic.Int64

	// mu serializes every registry call and guards conns.
	mu    sync.Mutex
	store domain.DeviceStore
	conns map[string]*conn
}

type conn struct {
	id     string
	ws     *websocket.Conn
	wmu    sync.Mutex
	log    logrus.FieldLogger
	closed atomic.Bool

	// device is set once registered. Only the connection's read goroutine
	// touches it.
	device *domain.ConnectedDevice
}

// NewRouter returns a Router backed by store.
func NewRouter(store domain.DeviceStore, tokens TokenVerifier, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.TestMode && opts.TestSubject == "" {
		opts.TestSubject = "test@localhost"
	}
	r := &Router{
		tokens:      tokens,
		upgrader:    makeUpgrader(opts.AllowedOrigins),
		log:         opts.Logger.WithField("component", "router"),
		now:         opts.Now,
		testMode:    opts.TestMode,
		testSubject: opts.TestSubject,
		store:       store,
		conns:       make(map[string]*conn),
	}
	r.maxSize.Store(int64(opts.MaxMessageSize))
	return r
}

// makeUpgrader accepts any origin when none are configured; clients that
// send no Origin header are not browsers and are always accepted.
func makeUpgrader(allowed []string) websocket.Upgrader {
	allowAll := len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*")
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || set[origin]
		},
	}
}

// MaxMessageSize returns the current content ceiling in bytes.
func (r *Router) MaxMessageSize() int { return int(r.maxSize.Load()) }

// SetMaxMessageSize changes the ceiling for subsequent messages.
func (r *Router) SetMaxMessageSize(n int) {
	if n > 0 {
		r.maxSize.Store(int64(n))
	}
}

// Connections returns the number of open transport connections.
func (r *Router) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Registered returns the number of registry entries.
func (r *Router) Registered(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Len(ctx)
}

// HandleWS upgrades the request and serves the connection until it closes.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws}
	c.log = r.log.WithFields(logrus.Fields{"conn_id": c.id, "remote": req.RemoteAddr})

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	c.log.Debug("connection opened")

	ctx := req.Context()
	defer r.drop(context.WithoutCancel(ctx), c)

	if err := c.send(protocol.Connected{ConnectionID: c.id}); err != nil {
		return
	}
	r.serve(ctx, c)
}

func (r *Router) serve(ctx context.Context, c *conn) {
	for {
		data, limit, err := r.readFrame(c)
		if errors.Is(err, errFrameTooLarge) {
			c.log.WithField("limit", limit).Warn("oversized frame discarded")
			r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindValidation, "message exceeds %d bytes", limit)))
			continue
		}
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() {
				c.log.WithError(err).Debug("read ended")
			}
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("malformed frame")
			r.reply(c, protocol.ErrorFrame(err))
			continue
		}
		if closeAfter := r.dispatch(ctx, c, f); closeAfter {
			return
		}
	}
}

var errFrameTooLarge = errors.New("frame too large")

// readFrame reads the next message against the ceiling in effect when it
// starts. An oversized message is drained and reported as errFrameTooLarge;
// the connection stays usable.
func (r *Router) readFrame(c *conn) (data []byte, limit int, err error) {
	_, rd, err := c.ws.NextReader()
	if err != nil {
		return nil, 0, err
	}
	limit = r.MaxMessageSize()
	ceiling := int64(limit) + frameSlack
	data, err = io.ReadAll(io.LimitReader(rd, ceiling+1))
	if err != nil {
		return nil, limit, err
	}
	if int64(len(data)) > ceiling {
		if _, err := io.Copy(io.Discard, rd); err != nil {
			return nil, limit, err
		}
		return nil, limit, errFrameTooLarge
	}
	return data, limit, nil
}

// dispatch handles one inbound frame. It reports whether the connection
// must be closed.
func (r *Router) dispatch(ctx context.Context, c *conn, f protocol.Frame) bool {
	switch f := f.(type) {
	case protocol.Ping:
		r.reply(c, protocol.Pong{Timestamp: f.Timestamp})
	case protocol.Register:
		return r.register(ctx, c, f)
	case protocol.GetDevices:
		if r.requireRegistered(c) {
			r.getDevices(ctx, c)
		}
	case protocol.Message:
		if r.requireRegistered(c) {
			r.route(ctx, c, f)
		}
	case protocol.Connected, protocol.Registered, protocol.Devices, protocol.Text,
		protocol.MessageSent, protocol.Error, protocol.Pong:
		r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindValidation, "unexpected %s frame", f.FrameType())))
	}
	return false
}

func (r *Router) requireRegistered(c *conn) bool {
	if c.device != nil {
		return true
	}
	r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindValidation, "not registered")))
	return false
}

func (r *Router) register(ctx context.Context, c *conn, f protocol.Register) bool {
	subject, err := r.subject(f.SessionToken)
	if err != nil {
		r.reply(c, protocol.ErrorFrame(err))
		fatal := !errors.Is(err, auth.ErrExpired)
		c.log.WithError(err).WithField("closing", fatal).Warn("registration refused")
		return fatal
	}

	pub, hasKey, err := f.ParsePublicKey()
	if err != nil {
		r.reply(c, protocol.ErrorFrame(err))
		return false
	}
	if f.DeviceID == "" {
		r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindValidation, "missing device_id")))
		return false
	}
	if !f.Role.Valid() {
		r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindValidation, "unknown role %q", f.Role)))
		return false
	}

	d := domain.ConnectedDevice{
		ConnID:       c.id,
		DeviceID:     f.DeviceID,
		DeviceName:   f.DeviceName,
		Role:         f.Role,
		Owner:        subject,
		PublicKey:    pub,
		HasPublicKey: hasKey,
		Status:       domain.StatusOnline,
		RegisteredAt: r.now().UTC(),
	}

	r.mu.Lock()
	replaced, err := r.store.Put(ctx, d)
	var old *conn
	if err == nil && replaced != "" {
		old = r.conns[replaced]
	}
	r.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Error("registry put failed")
		r.reply(c, protocol.Error{Message: "registry unavailable"})
		return false
	}

	c.device = &d
	c.log = c.log.WithFields(logrus.Fields{"device_id": d.DeviceID, "owner": d.Owner})
	c.log.WithFields(logrus.Fields{
		"role":     d.Role,
		"version":  f.Version,
		"platform": f.Platform,
		"arch":     f.Arch,
	}).Info("device registered")

	if old != nil {
		old.log.WithField("replaced_by", c.id).Info("registration superseded")
		r.reply(old, protocol.Error{Message: "device registered from another connection", Code: domain.KindValidation.String()})
		old.close()
	}
	r.reply(c, protocol.Registered{DeviceID: d.DeviceID, OwnerSubject: d.Owner})
	return false
}

func (r *Router) subject(token string) (string, error) {
	if r.testMode && token == "" {
		return r.testSubject, nil
	}
	if token == "" {
		return "", domain.Wrap(domain.KindAuthentication, "session token", auth.ErrMalformed)
	}
	return r.tokens.Verify(token)
}

func (r *Router) getDevices(ctx context.Context, c *conn) {
	r.mu.Lock()
	list, err := r.store.ListByOwner(ctx, c.device.Owner)
	r.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Error("registry list failed")
		r.reply(c, protocol.Error{Message: "registry unavailable"})
		return
	}

	out := protocol.Devices{Devices: make([]protocol.DeviceInfo, 0, len(list))}
	for _, d := range list {
		if c.device.Role == domain.RoleInitiator && d.Role != domain.RoleTarget {
			continue
		}
		info := protocol.DeviceInfo{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			Role:       d.Role,
			Status:     d.Status,
		}
		if d.HasPublicKey {
			info.PublicKey = d.PublicKey.String()
		}
		out.Devices = append(out.Devices, info)
	}
	r.reply(c, out)
}

func (r *Router) route(ctx context.Context, c *conn, m protocol.Message) {
	if !m.Encrypted {
		c.log.Warn("plaintext message refused")
		r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindPolicy, "plaintext messages are not accepted")))
		return
	}
	if limit := r.MaxMessageSize(); len(m.Content) > limit {
		r.reply(c, protocol.ErrorFrame(domain.Errorf(domain.KindValidation, "message exceeds %d bytes", limit)))
		return
	}
	if err := m.Validate(); err != nil {
		r.reply(c, protocol.ErrorFrame(err))
		return
	}

	r.mu.Lock()
	target, ok, err := r.store.Get(ctx, c.device.Owner, m.To)
	var tc *conn
	if err == nil && ok {
		tc = r.conns[target.ConnID]
	}
	r.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Error("registry lookup failed")
	}
	if tc == nil {
		r.reply(c, protocol.ErrorFrame(domain.ErrTargetUnavailable))
		return
	}

	text := protocol.Text{
		Content:            m.Content,
		Nonce:              m.Nonce,
		EphemeralPublicKey: m.EphemeralPublicKey,
		From:               c.device.DeviceID,
		Encrypted:          true,
	}
	if c.device.HasPublicKey {
		text.SenderPublicKey = c.device.PublicKey.String()
	}
	if err := tc.send(text); err != nil {
		tc.log.WithError(err).Warn("forward failed")
		r.reply(c, protocol.ErrorFrame(domain.ErrTargetUnavailable))
		return
	}
	c.log.WithFields(logrus.Fields{"to": m.To, "bytes": len(m.Content)}).Debug("message forwarded")
	r.reply(c, protocol.MessageSent{To: m.To, Timestamp: r.now().UnixMilli()})
}

func (r *Router) reply(c *conn, f protocol.Frame) {
	if err := c.send(f); err != nil {
		c.log.WithError(err).WithField("frame", f.FrameType()).Debug("write failed")
	}
}

// drop removes c from the router and its entry from the registry, unless a
// newer connection has since claimed the device.
func (r *Router) drop(ctx context.Context, c *conn) {
	c.close()
	r.mu.Lock()
	delete(r.conns, c.id)
	err := r.store.RemoveConnection(ctx, c.id)
	r.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Error("registry remove failed")
	}
	c.log.Debug("connection closed")
}

// Shutdown closes every open connection. Their read loops then drop the
// registry entries.
func (r *Router) Shutdown() {
	r.mu.Lock()
	open := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		open = append(open, c)
	}
	r.mu.Unlock()
	for _, c := range open {
		c.close()
	}
}

func (c *conn) send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	_ = c.ws.Close()
}
