package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"utter/internal/crypto"
	"utter/internal/domain"
	"utter/internal/protocol"
)

var (
	// ErrClosed is returned by requests on a session whose transport is gone.
	ErrClosed = errors.New("session closed")
	// ErrPongTimeout closes a session whose relay stopped answering pings.
	ErrPongTimeout = errors.New("no pong within deadline")
	// ErrNoPublicKey is returned when sending to a device that registered
	// without a key.
	ErrNoPublicKey = errors.New("target device has no public key")
	// ErrPlaintextRefused marks a text frame without the encrypted marker.
	ErrPlaintextRefused = errors.New("plaintext text frame refused")
)

// Transport carries frames to and from the relay. *relay.Conn implements it.
type Transport interface {
	Send(protocol.Frame) error
	Receive() (protocol.Frame, error)
	Close() error
}

// TrustChecker pins device keys on first use. *store.TrustFileStore
// implements it.
type TrustChecker interface {
	Check(deviceID string, pub domain.X25519Public, retrust bool) error
}

// Device describes this endpoint.
type Device struct {
	ID       string
	Name     string
	Role     domain.Role
	Private  domain.X25519Private
	Public   domain.X25519Public
	Version  string
	Platform string
	Arch     string
}

// Handlers receive what the session reads outside request/response pairs.
type Handlers struct {
	// OnText gets every decrypted message.
	OnText func(domain.ReceivedText)
	// OnReject gets text frames that were dropped: plaintext, undecryptable,
	// or from a sender whose key changed. Nothing is reported to the relay.
	OnReject func(from string, err error)
}

// Session is one registered relay connection.
type Session struct {
	conn     Transport
	dev      Device
	trust    TrustChecker
	handlers Handlers
	log      logrus.FieldLogger

	connID string
	owner  string

	reqMu  sync.Mutex
	mu     sync.Mutex
	waiter chan protocol.Frame
	pongs  chan int64

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// SessionOptions configures Connect.
type SessionOptions struct {
	Trust    TrustChecker
	Handlers Handlers
	Logger   logrus.FieldLogger
}

// Connect performs the greeting and registration on conn. On failure conn
// is closed. The returned error keeps the relay's error kind, so
// errors.Is(err, domain.ErrAuthentication) reports a refused token.
func Connect(ctx context.Context, conn Transport, dev Device, token string, opts SessionOptions) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Session{
		conn:     conn,
		dev:      dev,
		trust:    opts.Trust,
		handlers: opts.Handlers,
		log:      log.WithFields(logrus.Fields{"component": "session", "device_id": dev.ID}),
		pongs:    make(chan int64, 1),
		done:     make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	first, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await greeting: %w", err)
	}
	if c, ok := first.(protocol.Connected); ok {
		s.connID = c.ConnectionID
	}

	go s.readLoop()

	reply, err := s.request(ctx, protocol.Register{
		SessionToken: token,
		DeviceID:     dev.ID,
		DeviceName:   dev.Name,
		Role:         dev.Role,
		PublicKey:    dev.Public.String(),
		Version:      dev.Version,
		Platform:     dev.Platform,
		Arch:         dev.Arch,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	reg, ok := reply.(protocol.Registered)
	if !ok {
		s.Close()
		return nil, fmt.Errorf("register: unexpected %s reply", reply.FrameType())
	}
	s.owner = reg.OwnerSubject
	s.log.WithFields(logrus.Fields{"conn_id": s.connID, "owner": s.owner}).Info("registered with relay")
	return s, nil
}

// Owner returns the subject the relay resolved from the session token.
func (s *Session) Owner() string { return s.owner }

// ConnectionID returns the id the relay assigned to this connection.
func (s *Session) ConnectionID() string { return s.connID }

// Done is closed when the transport ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the session.
func (s *Session) Close() { s.fail(ErrClosed) }

func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		_ = s.conn.Close()
		close(s.done)
	})
}

// Devices lists the devices the relay lets this endpoint see.
func (s *Session) Devices(ctx context.Context) ([]protocol.DeviceInfo, error) {
	reply, err := s.request(ctx, protocol.GetDevices{})
	if err != nil {
		return nil, err
	}
	d, ok := reply.(protocol.Devices)
	if !ok {
		return nil, fmt.Errorf("get_devices: unexpected %s reply", reply.FrameType())
	}
	return d.Devices, nil
}

// Send encrypts text for the device to and waits for the relay's
// acknowledgment. The target's key is looked up through the registry and
// checked against the pinned key; retrust accepts a changed key.
func (s *Session) Send(ctx context.Context, to, text string, retrust bool) (time.Time, error) {
	if text == "" {
		return time.Time{}, domain.Errorf(domain.KindValidation, "empty message")
	}
	list, err := s.Devices(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var target *protocol.DeviceInfo
	for i := range list {
		if list[i].DeviceID == to {
			target = &list[i]
			break
		}
	}
	if target == nil {
		return time.Time{}, domain.ErrTargetUnavailable
	}
	if target.PublicKey == "" {
		return time.Time{}, ErrNoPublicKey
	}
	pub, err := domain.ParseX25519Public(target.PublicKey)
	if err != nil {
		return time.Time{}, err
	}
	if s.trust != nil {
		if err := s.trust.Check(to, pub, retrust); err != nil {
			return time.Time{}, err
		}
	}
	return s.SendTo(ctx, to, pub, text)
}

// SendTo encrypts text to pub without a registry lookup.
func (s *Session) SendTo(ctx context.Context, to string, pub domain.X25519Public, text string) (time.Time, error) {
	env, err := crypto.EncryptString(text, pub)
	if err != nil {
		return time.Time{}, err
	}
	reply, err := s.request(ctx, protocol.NewMessage(to, env))
	if err != nil {
		return time.Time{}, err
	}
	ack, ok := reply.(protocol.MessageSent)
	if !ok {
		return time.Time{}, fmt.Errorf("message: unexpected %s reply", reply.FrameType())
	}
	return time.UnixMilli(ack.Timestamp), nil
}

// request sends f and waits for the next reply frame. One request is in
// flight at a time; the relay answers in order.
func (s *Session) request(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	ch := make(chan protocol.Frame, 1)
	s.mu.Lock()
	s.waiter = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiter = nil
		s.mu.Unlock()
	}()

	if err := s.conn.Send(f); err != nil {
		s.fail(err)
		return nil, fmt.Errorf("%s: %w", f.FrameType(), err)
	}
	select {
	case reply := <-ch:
		if e, ok := reply.(protocol.Error); ok {
			return nil, relayError(e)
		}
		return reply, nil
	case <-s.done:
		return nil, fmt.Errorf("%s: %w", f.FrameType(), s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// relayError rebuilds a domain error from an error frame.
func relayError(e protocol.Error) error {
	return domain.Errorf(domain.ParseKind(e.Code), "relay: %s", e.Message)
}

func (s *Session) readLoop() {
	for {
		f, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				s.log.WithError(err).Warn("undecodable frame from relay")
				continue
			}
			s.fail(err)
			return
		}
		switch f := f.(type) {
		case protocol.Text:
			s.handleText(f)
		case protocol.Pong:
			select {
			case s.pongs <- f.Timestamp:
			default:
			}
		case protocol.Ping:
			_ = s.conn.Send(protocol.Pong{Timestamp: f.Timestamp})
		case protocol.Registered, protocol.Devices, protocol.MessageSent, protocol.Error:
			if !s.deliver(f) {
				if e, ok := f.(protocol.Error); ok {
					s.log.WithField("code", e.Code).Warn("relay: " + e.Message)
				}
			}
		case protocol.Connected, protocol.Register, protocol.GetDevices, protocol.Message:
			s.log.WithField("type", f.FrameType()).Debug("ignoring unexpected frame")
		}
	}
}

func (s *Session) deliver(f protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter == nil {
		return false
	}
	s.waiter <- f
	s.waiter = nil
	return true
}

func (s *Session) handleText(t protocol.Text) {
	plain, err := s.open(t)
	if err != nil {
		s.log.WithError(err).WithField("from", t.From).Warn("text frame dropped")
		if s.handlers.OnReject != nil {
			s.handlers.OnReject(t.From, err)
		}
		return
	}
	if s.handlers.OnText != nil {
		s.handlers.OnText(domain.ReceivedText{From: t.From, Plaintext: plain})
	}
}

func (s *Session) open(t protocol.Text) (string, error) {
	if !t.Encrypted {
		return "", ErrPlaintextRefused
	}
	env, err := t.Envelope()
	if err != nil {
		return "", err
	}
	if s.trust != nil && !env.SenderPublic.IsZero() {
		if err := s.trust.Check(t.From, env.SenderPublic, false); err != nil {
			return "", err
		}
	}
	return crypto.Decrypt(env, s.dev.Private)
}

// KeepAlive pings every interval and closes the session when a pong does
// not arrive within wait. It returns when the session ends or ctx is done.
func (s *Session) KeepAlive(ctx context.Context, interval, wait time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		// Drop a pong left over from an earlier round.
		select {
		case <-s.pongs:
		default:
		}
		if err := s.conn.Send(protocol.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
			s.fail(err)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.pongs:
			timer.Stop()
		case <-timer.C:
			s.log.WithField("wait", wait).Warn("relay stopped answering pings")
			s.fail(ErrPongTimeout)
			return
		case <-s.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
