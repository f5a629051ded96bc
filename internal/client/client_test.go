package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utter/internal/auth"
	"utter/internal/crypto"
	"utter/internal/domain"
	"utter/internal/protocol"
	"utter/internal/registry"
	"utter/internal/relay"
	"utter/internal/store"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, b.Delay(200))
	assert.Equal(t, DefaultBackoffBase, Backoff{}.Delay(0))
	assert.Equal(t, DefaultBackoffCap, Backoff{}.Delay(10))
}

func newDevice(t *testing.T, id string, role domain.Role) Device {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	return Device{ID: id, Name: id, Role: role, Private: priv, Public: pub, Version: "test"}
}

type liveRelay struct {
	url    string
	tokens *auth.Service
}

func newLiveRelay(t *testing.T) *liveRelay {
	t.Helper()
	tokens, err := auth.NewService(auth.Config{Secret: []byte("client-test-secret-0123456789ab")},
		auth.StaticVerifier{"assert-u": {Email: "u@x", EmailVerified: true}})
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	router := relay.NewRouter(registry.NewMemory(), tokens, relay.Options{Logger: logger})
	srv := httptest.NewServer(relay.NewHandler(tokens, router, logger))
	t.Cleanup(func() {
		router.Shutdown()
		srv.Close()
	})
	return &liveRelay{url: srv.URL, tokens: tokens}
}

func (l *liveRelay) connect(t *testing.T, dev Device, opts SessionOptions) *Session {
	t.Helper()
	ctx := context.Background()
	issued, err := l.tokens.Issue(ctx, "assert-u")
	require.NoError(t, err)
	conn, err := relay.Dial(ctx, l.url, nil)
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger, _ = test.NewNullLogger()
	}
	s, err := Connect(ctx, conn, dev, issued.Token, opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSession_HelloOverRelay(t *testing.T) {
	live := newLiveRelay(t)
	ctx := context.Background()

	got := make(chan domain.ReceivedText, 1)
	target := live.connect(t, newDevice(t, "T1", domain.RoleTarget), SessionOptions{
		Handlers: Handlers{OnText: func(m domain.ReceivedText) { got <- m }},
	})
	assert.Equal(t, "u@x", target.Owner())
	assert.NotEmpty(t, target.ConnectionID())

	trust := store.NewTrustFileStore(t.TempDir())
	sender := live.connect(t, newDevice(t, "C1", domain.RoleInitiator), SessionOptions{Trust: trust})

	list, err := sender.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "T1", list[0].DeviceID)

	at, err := sender.Send(ctx, "T1", "hello", false)
	require.NoError(t, err)
	assert.False(t, at.IsZero())

	select {
	case m := <-got:
		assert.Equal(t, domain.ReceivedText{From: "C1", Plaintext: "hello"}, m)
	case <-time.After(5 * time.Second):
		t.Fatal("no text delivered")
	}

	_, err = sender.Send(ctx, "T9", "hello", false)
	assert.ErrorIs(t, err, domain.ErrRouting)
}

func TestSession_KeyChangeNeedsRetrust(t *testing.T) {
	live := newLiveRelay(t)
	ctx := context.Background()
	trust := store.NewTrustFileStore(t.TempDir())

	first := live.connect(t, newDevice(t, "T1", domain.RoleTarget), SessionOptions{})
	sender := live.connect(t, newDevice(t, "C1", domain.RoleInitiator), SessionOptions{Trust: trust})
	_, err := sender.Send(ctx, "T1", "one", false)
	require.NoError(t, err)

	// T1 comes back with a new key.
	first.Close()
	live.connect(t, newDevice(t, "T1", domain.RoleTarget), SessionOptions{})

	_, err = sender.Send(ctx, "T1", "two", false)
	assert.ErrorIs(t, err, store.ErrKeyChanged)

	_, err = sender.Send(ctx, "T1", "two", true)
	assert.NoError(t, err)
}

func TestSession_RefusesPlaintextText(t *testing.T) {
	fr := &fakeRelay{}
	conn, err := fr.Dial(context.Background())
	require.NoError(t, err)

	dev := newDevice(t, "T1", domain.RoleTarget)
	var mu sync.Mutex
	var texts []domain.ReceivedText
	rejected := make(chan error, 2)
	logger, _ := test.NewNullLogger()
	s, err := Connect(context.Background(), conn, dev, "tok", SessionOptions{
		Logger: logger,
		Handlers: Handlers{
			OnText: func(m domain.ReceivedText) {
				mu.Lock()
				texts = append(texts, m)
				mu.Unlock()
			},
			OnReject: func(_ string, err error) { rejected <- err },
		},
	})
	require.NoError(t, err)
	defer s.Close()

	fr.lastConn().push(protocol.Text{Content: "aGVsbG8=", From: "C1"})
	assert.ErrorIs(t, <-rejected, ErrPlaintextRefused)

	env, err := crypto.EncryptString("hi", dev.Public)
	require.NoError(t, err)
	m := protocol.NewMessage("T1", env)
	m.Content = crypto.B64(append(env.Ciphertext[:len(env.Ciphertext)-1], env.Ciphertext[len(env.Ciphertext)-1]^1))
	fr.lastConn().push(protocol.Text{Content: m.Content, Nonce: m.Nonce, EphemeralPublicKey: m.EphemeralPublicKey, From: "C1", Encrypted: true})
	assert.ErrorIs(t, <-rejected, domain.ErrDecryption)

	mu.Lock()
	assert.Empty(t, texts)
	mu.Unlock()
}

func TestSession_PongTimeout(t *testing.T) {
	fr := &fakeRelay{answerPings: false}
	conn, err := fr.Dial(context.Background())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	s, err := Connect(context.Background(), conn, newDevice(t, "T1", domain.RoleTarget), "tok", SessionOptions{Logger: logger})
	require.NoError(t, err)

	start := time.Now()
	go s.KeepAlive(context.Background(), 20*time.Millisecond, 20*time.Millisecond)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("half-open connection not detected")
	}
	assert.ErrorIs(t, s.Err(), ErrPongTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSession_KeepAliveWithPongs(t *testing.T) {
	fr := &fakeRelay{answerPings: true}
	conn, err := fr.Dial(context.Background())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	s, err := Connect(context.Background(), conn, newDevice(t, "T1", domain.RoleTarget), "tok", SessionOptions{Logger: logger})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.KeepAlive(ctx, 10*time.Millisecond, 50*time.Millisecond)
	assert.NoError(t, s.Err())
}

func TestSession_RegisterRefused(t *testing.T) {
	fr := &fakeRelay{registerErr: &protocol.Error{Message: "session token: token expired", Code: "authentication"}}
	conn, err := fr.Dial(context.Background())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	_, err = Connect(context.Background(), conn, newDevice(t, "T1", domain.RoleTarget), "tok", SessionOptions{Logger: logger})
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

type fakeTokens struct {
	mu          sync.Mutex
	refreshErr  error
	refreshes   int
	reissues    int
	refreshWith string
	reissueWith string
}

func (f *fakeTokens) Refresh(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.refreshWith, nil
}

func (f *fakeTokens) Reissue(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reissues++
	return f.reissueWith, nil
}

func (f *fakeTokens) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes, f.reissues
}

// freshToken returns a signed token valid for ttl.
func freshToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	svc, err := auth.NewService(auth.Config{Secret: []byte("supervisor-test-secret-01234567"), TTL: ttl},
		auth.StaticVerifier{"a": {Email: "u@x", EmailVerified: true}})
	require.NoError(t, err)
	issued, err := svc.Issue(context.Background(), "a")
	require.NoError(t, err)
	return issued.Token
}

type recorder struct {
	mu       sync.Mutex
	states   []State
	attempts []int
	tokens   []string
	changed  chan State
}

func newRecorder() *recorder { return &recorder{changed: make(chan State, 64)} }

func (r *recorder) config(cfg SupervisorConfig) SupervisorConfig {
	cfg.OnStateChange = func(s State) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
		r.changed <- s
	}
	cfg.OnBackoff = func(attempt int, _ time.Duration) {
		r.mu.Lock()
		r.attempts = append(r.attempts, attempt)
		r.mu.Unlock()
	}
	cfg.OnToken = func(tok string) {
		r.mu.Lock()
		r.tokens = append(r.tokens, tok)
		r.mu.Unlock()
	}
	if cfg.Logger == nil {
		cfg.Logger, _ = test.NewNullLogger()
	}
	return cfg
}

func (r *recorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.changed:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s never reached", want)
		}
	}
}

func (r *recorder) attemptLog() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}

func TestSupervisor_BackoffResetsOnlyAfterRegistration(t *testing.T) {
	fr := &fakeRelay{failDials: 3, answerPings: true}
	rec := newRecorder()
	sup := NewSupervisor(rec.config(SupervisorConfig{
		Dial:         fr.Dial,
		Device:       newDevice(t, "T1", domain.RoleTarget),
		Token:        freshToken(t, time.Hour),
		Backoff:      Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond},
		PingInterval: time.Hour,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	rec.waitFor(t, StateConnected)
	assert.Equal(t, []int{0, 1, 2}, rec.attemptLog())
	require.NotNil(t, sup.Session())

	// Drop the live connection: the counter starts again from zero.
	require.NoError(t, fr.lastConn().Close())
	rec.waitFor(t, StateBackingOff)
	rec.waitFor(t, StateConnected)
	assert.Equal(t, []int{0, 1, 2, 0}, rec.attemptLog())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateIdle, sup.State())
	assert.Nil(t, sup.Session())
}

func TestSupervisor_RefreshesExpiringToken(t *testing.T) {
	fr := &fakeRelay{answerPings: true}
	tokens := &fakeTokens{refreshWith: "refreshed"}
	rec := newRecorder()
	sup := NewSupervisor(rec.config(SupervisorConfig{
		Dial:         fr.Dial,
		Device:       newDevice(t, "T1", domain.RoleTarget),
		Tokens:       tokens,
		Token:        freshToken(t, time.Minute),
		PingInterval: time.Hour,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()
	rec.waitFor(t, StateConnected)

	refreshes, reissues := tokens.counts()
	assert.Equal(t, 1, refreshes)
	assert.Zero(t, reissues)
	assert.Equal(t, []string{"refreshed"}, fr.seenTokens())
	assert.Equal(t, "refreshed", sup.Token())
}

func TestSupervisor_ReissuesWhenRefreshFails(t *testing.T) {
	fr := &fakeRelay{answerPings: true}
	tokens := &fakeTokens{refreshErr: errors.New("refresh window closed"), reissueWith: "reissued"}
	rec := newRecorder()
	sup := NewSupervisor(rec.config(SupervisorConfig{
		Dial:         fr.Dial,
		Device:       newDevice(t, "T1", domain.RoleTarget),
		Tokens:       tokens,
		Token:        freshToken(t, time.Minute),
		PingInterval: time.Hour,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()
	rec.waitFor(t, StateConnected)

	refreshes, reissues := tokens.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 1, reissues)
	assert.Equal(t, []string{"reissued"}, fr.seenTokens())
	rec.mu.Lock()
	assert.Equal(t, []string{"reissued"}, rec.tokens)
	rec.mu.Unlock()
}

func TestSupervisor_KeepsFreshToken(t *testing.T) {
	fr := &fakeRelay{answerPings: true}
	tokens := &fakeTokens{}
	tok := freshToken(t, time.Hour)
	rec := newRecorder()
	sup := NewSupervisor(rec.config(SupervisorConfig{
		Dial:         fr.Dial,
		Device:       newDevice(t, "T1", domain.RoleTarget),
		Tokens:       tokens,
		Token:        tok,
		PingInterval: time.Hour,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()
	rec.waitFor(t, StateConnected)

	refreshes, reissues := tokens.counts()
	assert.Zero(t, refreshes)
	assert.Zero(t, reissues)
	assert.Equal(t, []string{tok}, fr.seenTokens())
}

func TestSupervisor_ReconnectsAfterPongTimeout(t *testing.T) {
	fr := &fakeRelay{answerPings: false}
	rec := newRecorder()
	sup := NewSupervisor(rec.config(SupervisorConfig{
		Dial:         fr.Dial,
		Device:       newDevice(t, "T1", domain.RoleTarget),
		Token:        freshToken(t, time.Hour),
		Backoff:      Backoff{Base: time.Millisecond, Cap: time.Millisecond},
		PingInterval: 20 * time.Millisecond,
		PongWait:     20 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	rec.waitFor(t, StateConnected)
	rec.waitFor(t, StateBackingOff)
	rec.waitFor(t, StateConnected)
	assert.GreaterOrEqual(t, len(fr.seenTokens()), 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "backing_off", StateBackingOff.String())
	assert.Equal(t, "idle", StateIdle.String())
}
