package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utter/internal/auth"
	"utter/internal/crypto"
	"utter/internal/domain"
	"utter/internal/protocol"
	"utter/internal/registry"
)

var testSecret = []byte("relay-test-secret-0123456789abcd")

var testIdentities = auth.StaticVerifier{
	"assert-u": {Subject: "1", Email: "u@x", EmailVerified: true},
	"assert-v": {Subject: "2", Email: "v@y", EmailVerified: true},
	"assert-n": {Subject: "3", Email: "n@z", EmailVerified: false},
}

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	router *Router
	tokens *auth.Service
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	tokens, err := auth.NewService(auth.Config{Secret: testSecret}, testIdentities)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	router := NewRouter(registry.NewMemory(), tokens, opts)
	srv := httptest.NewServer(NewHandler(tokens, router, logger))
	t.Cleanup(func() {
		router.Shutdown()
		srv.Close()
	})
	return &harness{t: t, srv: srv, router: router, tokens: tokens}
}

func (h *harness) token(assertion string) string {
	h.t.Helper()
	issued, err := h.tokens.Issue(context.Background(), assertion)
	require.NoError(h.t, err)
	return issued.Token
}

func (h *harness) dial() *Conn {
	h.t.Helper()
	c, err := Dial(context.Background(), h.srv.URL, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	f := recv(h.t, c)
	connected, ok := f.(protocol.Connected)
	require.True(h.t, ok, "first frame is %T", f)
	require.NotEmpty(h.t, connected.ConnectionID)
	return c
}

type endpoint struct {
	conn *Conn
	priv domain.X25519Private
	pub  domain.X25519Public
}

func (h *harness) register(assertion, deviceID string, role domain.Role) *endpoint {
	h.t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(h.t, err)
	c := h.dial()
	require.NoError(h.t, c.Send(protocol.Register{
		SessionToken: h.token(assertion),
		DeviceID:     deviceID,
		DeviceName:   deviceID + " desk",
		Role:         role,
		PublicKey:    pub.String(),
	}))
	reg, ok := recv(h.t, c).(protocol.Registered)
	require.True(h.t, ok)
	require.Equal(h.t, deviceID, reg.DeviceID)
	return &endpoint{conn: c, priv: priv, pub: pub}
}

func recv(t *testing.T, c *Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := c.Receive()
	require.NoError(t, err)
	return f
}

func recvError(t *testing.T, c *Conn) protocol.Error {
	t.Helper()
	f := recv(t, c)
	e, ok := f.(protocol.Error)
	require.True(t, ok, "want error frame, got %T %+v", f, f)
	return e
}

func devices(t *testing.T, c *Conn) []string {
	t.Helper()
	require.NoError(t, c.Send(protocol.GetDevices{}))
	d, ok := recv(t, c).(protocol.Devices)
	require.True(t, ok)
	ids := []string{}
	for _, info := range d.Devices {
		ids = append(ids, info.DeviceID)
	}
	return ids
}

// assertQuiet checks nothing is queued for c by round-tripping a ping.
func assertQuiet(t *testing.T, c *Conn) {
	t.Helper()
	require.NoError(t, c.Send(protocol.Ping{Timestamp: 99}))
	f := recv(t, c)
	assert.Equal(t, protocol.Pong{Timestamp: 99}, f)
}

func sealedMessage(t *testing.T, to string, recipient domain.X25519Public, text string) protocol.Message {
	t.Helper()
	env, err := crypto.EncryptString(text, recipient)
	require.NoError(t, err)
	return protocol.NewMessage(to, env)
}

func TestHelloEndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	require.NoError(t, c1.conn.Send(protocol.GetDevices{}))
	list, ok := recv(t, c1.conn).(protocol.Devices)
	require.True(t, ok)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "T1", list.Devices[0].DeviceID)
	assert.Equal(t, domain.StatusOnline, list.Devices[0].Status)
	t1pub, err := domain.ParseX25519Public(list.Devices[0].PublicKey)
	require.NoError(t, err)
	assert.Equal(t, t1.pub, t1pub)

	require.NoError(t, c1.conn.Send(sealedMessage(t, "T1", t1pub, "hello")))

	text, ok := recv(t, t1.conn).(protocol.Text)
	require.True(t, ok)
	assert.Equal(t, "C1", text.From)
	assert.True(t, text.Encrypted)
	assert.Equal(t, c1.pub.String(), text.SenderPublicKey)

	env, err := text.Envelope()
	require.NoError(t, err)
	plain, err := crypto.Decrypt(env, t1.priv)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	sent, ok := recv(t, c1.conn).(protocol.MessageSent)
	require.True(t, ok)
	assert.Equal(t, "T1", sent.To)
	assert.NotZero(t, sent.Timestamp)
}

func TestOwnerIsolation(t *testing.T) {
	h := newHarness(t, Options{})
	h.register("assert-u", "TA", domain.RoleTarget)
	tb := h.register("assert-v", "TB", domain.RoleTarget)
	ca := h.register("assert-u", "CA", domain.RoleInitiator)

	assert.Equal(t, []string{"TA"}, devices(t, ca.conn))

	require.NoError(t, ca.conn.Send(sealedMessage(t, "TB", tb.pub, "leak")))
	crossOwner := recvError(t, ca.conn)
	assert.Equal(t, "routing", crossOwner.Code)

	require.NoError(t, ca.conn.Send(sealedMessage(t, "nobody", tb.pub, "leak")))
	absent := recvError(t, ca.conn)
	assert.Equal(t, crossOwner, absent, "cross-owner and absent targets must be indistinguishable")
	assert.Equal(t, "target not found or offline", absent.Message)

	assertQuiet(t, tb.conn)
}

func TestRoleFiltering(t *testing.T) {
	h := newHarness(t, Options{})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)
	h.register("assert-u", "C2", domain.RoleInitiator)

	assert.Equal(t, []string{"T1"}, devices(t, c1.conn))
	assert.Equal(t, []string{"C1", "C2", "T1"}, devices(t, t1.conn))
}

func TestSizeBoundary(t *testing.T) {
	const limit = 128
	h := newHarness(t, Options{MaxMessageSize: limit})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	m := sealedMessage(t, "T1", t1.pub, "x")
	m.Content = strings.Repeat("A", limit)
	require.NoError(t, c1.conn.Send(m))
	_, ok := recv(t, c1.conn).(protocol.MessageSent)
	assert.True(t, ok, "exactly the maximum is accepted")
	_, ok = recv(t, t1.conn).(protocol.Text)
	assert.True(t, ok)

	m.Content = strings.Repeat("A", limit+1)
	require.NoError(t, c1.conn.Send(m))
	e := recvError(t, c1.conn)
	assert.Equal(t, "validation", e.Code)
	assertQuiet(t, t1.conn)

	h.router.SetMaxMessageSize(limit + 1)
	require.NoError(t, c1.conn.Send(m))
	_, ok = recv(t, c1.conn).(protocol.MessageSent)
	assert.True(t, ok)
}

func TestRaisedLimitAppliesToOpenConnections(t *testing.T) {
	h := newHarness(t, Options{MaxMessageSize: 1024})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	h.router.SetMaxMessageSize(200 * 1024)

	m := sealedMessage(t, "T1", t1.pub, "x")
	m.Content = strings.Repeat("A", 100*1024)
	require.NoError(t, c1.conn.Send(m))
	_, ok := recv(t, c1.conn).(protocol.MessageSent)
	assert.True(t, ok)
	text, ok := recv(t, t1.conn).(protocol.Text)
	require.True(t, ok)
	assert.Len(t, text.Content, 100*1024)
}

func TestFarOversizedMessageKeepsConnection(t *testing.T) {
	const limit = 1024
	h := newHarness(t, Options{MaxMessageSize: limit})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	m := sealedMessage(t, "T1", t1.pub, "x")
	m.Content = strings.Repeat("A", limit+70*1024)
	require.NoError(t, c1.conn.Send(m))
	e := recvError(t, c1.conn)
	assert.Equal(t, "validation", e.Code)
	assert.Contains(t, e.Message, "exceeds 1024 bytes")

	assertQuiet(t, c1.conn)
	assertQuiet(t, t1.conn)
	assert.Equal(t, []string{"C1", "T1"}, devices(t, t1.conn), "sender stays registered")

	require.NoError(t, c1.conn.Send(sealedMessage(t, "T1", t1.pub, "after")))
	_, ok := recv(t, c1.conn).(protocol.MessageSent)
	assert.True(t, ok)
}

func TestPlaintextRejected(t *testing.T) {
	h := newHarness(t, Options{})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	m := sealedMessage(t, "T1", t1.pub, "x")
	m.Encrypted = false
	m.Content = "type this in the clear"
	require.NoError(t, c1.conn.Send(m))

	e := recvError(t, c1.conn)
	assert.Equal(t, "policy", e.Code)
	assertQuiet(t, t1.conn)
}

func TestMissingEnvelopeFields(t *testing.T) {
	h := newHarness(t, Options{})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	m := sealedMessage(t, "T1", t1.pub, "x")
	m.To = ""
	require.NoError(t, c1.conn.Send(m))
	assert.Equal(t, "validation", recvError(t, c1.conn).Code)

	m = sealedMessage(t, "T1", t1.pub, "x")
	m.Nonce = ""
	require.NoError(t, c1.conn.Send(m))
	assert.Equal(t, "validation", recvError(t, c1.conn).Code)
}

func TestUnregisteredCallsRefused(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial()

	require.NoError(t, c.Send(protocol.GetDevices{}))
	e := recvError(t, c)
	assert.Equal(t, "validation", e.Code)
	assert.Equal(t, "not registered", e.Message)

	require.NoError(t, c.Send(protocol.Message{To: "T1", Content: "x", Encrypted: true}))
	assert.Equal(t, "not registered", recvError(t, c).Message)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial()
	tok := h.token("assert-u")

	require.NoError(t, c.Send(protocol.Register{SessionToken: tok, DeviceID: "T1", Role: domain.RoleTarget,
		PublicKey: crypto.B64(make([]byte, 31))}))
	assert.Equal(t, "validation", recvError(t, c).Code)

	require.NoError(t, c.Send(protocol.Register{SessionToken: tok, Role: domain.RoleTarget}))
	assert.Equal(t, "validation", recvError(t, c).Code)

	require.NoError(t, c.Send(protocol.Register{SessionToken: tok, DeviceID: "T1", Role: "observer"}))
	assert.Equal(t, "validation", recvError(t, c).Code)

	// Registration without a key is allowed; the device just cannot be sent to securely.
	require.NoError(t, c.Send(protocol.Register{SessionToken: tok, DeviceID: "T1", Role: domain.RoleTarget}))
	reg, ok := recv(t, c).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, "u@x", reg.OwnerSubject)
}

func TestExpiredTokenKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, Options{})
	past, err := auth.NewService(auth.Config{Secret: testSecret}, testIdentities,
		auth.WithClock(func() time.Time { return time.Now().Add(-48 * time.Hour) }))
	require.NoError(t, err)
	stale, err := past.Issue(context.Background(), "assert-u")
	require.NoError(t, err)

	c := h.dial()
	require.NoError(t, c.Send(protocol.Register{SessionToken: stale.Token, DeviceID: "T1", Role: domain.RoleTarget}))
	e := recvError(t, c)
	assert.Equal(t, "authentication", e.Code)
	assert.Contains(t, e.Message, "expired")

	require.NoError(t, c.Send(protocol.Register{SessionToken: h.token("assert-u"), DeviceID: "T1", Role: domain.RoleTarget}))
	_, ok := recv(t, c).(protocol.Registered)
	assert.True(t, ok)
}

func TestBadSignatureClosesConnection(t *testing.T) {
	h := newHarness(t, Options{})
	forger, err := auth.NewService(auth.Config{Secret: []byte("not-the-relay-secret-000000000")}, testIdentities)
	require.NoError(t, err)
	forged, err := forger.Issue(context.Background(), "assert-u")
	require.NoError(t, err)

	c := h.dial()
	require.NoError(t, c.Send(protocol.Register{SessionToken: forged.Token, DeviceID: "T1", Role: domain.RoleTarget}))
	assert.Equal(t, "authentication", recvError(t, c).Code)

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Receive()
	assert.Error(t, err)
}

func TestMalformedFrameIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial()

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "validation", recvError(t, c).Code)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))
	assert.Equal(t, "validation", recvError(t, c).Code)

	assertQuiet(t, c)
}

func TestTestMode(t *testing.T) {
	h := newHarness(t, Options{TestMode: true, TestSubject: "dev@local"})
	c := h.dial()
	require.NoError(t, c.Send(protocol.Register{DeviceID: "T1", Role: domain.RoleTarget}))
	reg, ok := recv(t, c).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, "dev@local", reg.OwnerSubject)

	strict := newHarness(t, Options{})
	c = strict.dial()
	require.NoError(t, c.Send(protocol.Register{DeviceID: "T1", Role: domain.RoleTarget}))
	assert.Equal(t, "authentication", recvError(t, c).Code)
}

func TestReRegistrationReplaces(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.register("assert-u", "T1", domain.RoleTarget)
	second := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	e := recvError(t, first.conn)
	assert.Equal(t, "validation", e.Code)

	require.NoError(t, c1.conn.Send(sealedMessage(t, "T1", second.pub, "to the new one")))
	text, ok := recv(t, second.conn).(protocol.Text)
	require.True(t, ok)
	env, err := text.Envelope()
	require.NoError(t, err)
	plain, err := crypto.Decrypt(env, second.priv)
	require.NoError(t, err)
	assert.Equal(t, "to the new one", plain)

	n, err := h.router.Registered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCloseRemovesEntry(t *testing.T) {
	h := newHarness(t, Options{})
	t1 := h.register("assert-u", "T1", domain.RoleTarget)
	c1 := h.register("assert-u", "C1", domain.RoleInitiator)

	require.NoError(t, t1.conn.Close())
	require.Eventually(t, func() bool { return h.router.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c1.conn.Send(sealedMessage(t, "T1", t1.pub, "gone")))
	assert.Equal(t, "target not found or offline", recvError(t, c1.conn).Message)
	assert.Empty(t, devices(t, c1.conn))
}

func TestHTTPBoundary(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	tc, err := NewTokenClient(h.srv.URL, h.srv.Client())
	require.NoError(t, err)

	require.NoError(t, tc.Health(ctx))

	issued, err := tc.Issue(ctx, "assert-u")
	require.NoError(t, err)
	assert.Equal(t, "u@x", issued.Subject)
	assert.Equal(t, int64(auth.DefaultTokenTTL/time.Second), issued.ExpiresIn)

	sub, err := h.tokens.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "u@x", sub)

	refreshed, err := tc.Refresh(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "u@x", refreshed.Subject)

	_, err = tc.Issue(ctx, "assert-n")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)

	_, err = tc.Issue(ctx, "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)

	_, err = tc.Refresh(ctx, "garbage")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)

	resp, err := h.srv.Client().Post(h.srv.URL+"/auth", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayURLForms(t *testing.T) {
	u, err := WebSocketURL("https://relay.example")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/ws", u)

	u, err = WebSocketURL("ws://127.0.0.1:8080/ws")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws", u)

	b, err := HTTPBaseURL("wss://relay.example/ws")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example", b)

	_, err = WebSocketURL("ftp://relay.example")
	assert.Error(t, err)
}

func TestAccessLog(t *testing.T) {
	tokens, err := auth.NewService(auth.Config{Secret: testSecret}, testIdentities)
	require.NoError(t, err)
	logger, hook := test.NewNullLogger()
	router := NewRouter(registry.NewMemory(), tokens, Options{Logger: logger})
	srv := httptest.NewServer(NewHandler(tokens, router, logger))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "request" && e.Data["path"] == "/health" {
			found = true
			assert.Equal(t, http.StatusOK, e.Data["status"])
			assert.Equal(t, logrus.InfoLevel, e.Level)
		}
	}
	assert.True(t, found)
}
