package generation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

type fakeLedger struct {
	mu       sync.Mutex
	t        *testing.T
	balances map[int64]int
	debits   int
	refunds  int

	// failRefunds makes every increment fail; refundAttempts counts them anyway.
	failRefunds    bool
	refundAttempts int
}

func newFakeLedger(t *testing.T, balances map[int64]int) *fakeLedger {
	if balances == nil {
		balances = make(map[int64]int)
	}
	return &fakeLedger{t: t, balances: balances}
}

func (l *fakeLedger) Update(_ context.Context, userID int64, op models.LedgerOp, amount int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch op {
	case models.DecrementPhoto:
		if l.balances[userID] < amount {
			return false, nil
		}
		l.balances[userID] -= amount
		l.debits++
	case models.IncrementPhoto:
		l.refundAttempts++
		if l.failRefunds {
			return false, fmt.Errorf("ledger unavailable")
		}
		l.balances[userID] += amount
		l.refunds++
	default:
		return false, fmt.Errorf("unexpected op %s", op)
	}
	if l.balances[userID] < 0 {
		l.t.Errorf("balance of %d went negative: %d", userID, l.balances[userID])
	}
	return true, nil
}

func (l *fakeLedger) Balance(_ context.Context, userID int64) (models.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.Balance{UserID: userID, PhotosLeft: l.balances[userID]}, nil
}

func (l *fakeLedger) balance(userID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *fakeLedger) attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refundAttempts
}

func (l *fakeLedger) counts() (debits, refunds int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debits, l.refunds
}

type fakeAvatars struct {
	mu      sync.Mutex
	avatars map[int64]*models.TrainedAvatar
	calls   int
}

func (a *fakeAvatars) GetActiveTrainedModel(_ context.Context, userID int64) (*models.TrainedAvatar, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	av, ok := a.avatars[userID]
	if !ok {
		return nil, nil
	}
	c := *av
	return &c, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) LogGeneration(_ context.Context, userID int64, t models.GenerationType, modelID string, units int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fmt.Sprintf("%d/%s/%s/%d", userID, t, modelID, units))
	return nil
}

type providerCall struct {
	model string
	input map[string]interface{}
}

type fakeProvider struct {
	mu    sync.Mutex
	calls []providerCall
	run   func(model string, input map[string]interface{}) ([]interface{}, error)
}

// Run behaves like a real client: a cancelled ctx discards whatever the model produced.
func (p *fakeProvider) Run(ctx context.Context, model string, input map[string]interface{}) ([]interface{}, error) {
	p.mu.Lock()
	p.calls = append(p.calls, providerCall{model: model, input: input})
	p.mu.Unlock()
	out, err := p.run(model, input)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return out, err
}

func (p *fakeProvider) Calls() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

type transientErr struct{}

func (transientErr) Error() string   { return "rate limited" }
func (transientErr) Transient() bool { return true }

type sentMessage struct {
	kind   string
	chatID int64
	text   string
	paths  []string
	markup Markup
}

type fakeMessenger struct {
	mu     sync.Mutex
	nextID int
	sent   []sentMessage

	// failMedia rejects photos, groups and videos after recording them.
	failMedia bool
}

func (m *fakeMessenger) mediaErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMedia {
		return fmt.Errorf("Bad Request: chat not found")
	}
	return nil
}

func (m *fakeMessenger) record(msg sentMessage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, msg)
	return m.nextID
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string, markup Markup) (int, error) {
	return m.record(sentMessage{kind: "text", chatID: chatID, text: text, markup: markup}), nil
}

func (m *fakeMessenger) EditText(_ context.Context, chatID int64, _ int, text string) error {
	m.record(sentMessage{kind: "edit", chatID: chatID, text: text})
	return nil
}

func (m *fakeMessenger) SendPhoto(_ context.Context, chatID int64, path, caption string, markup Markup) error {
	m.record(sentMessage{kind: "photo", chatID: chatID, text: caption, paths: []string{path}, markup: markup})
	return m.mediaErr()
}

func (m *fakeMessenger) SendMediaGroup(_ context.Context, chatID int64, paths []string, caption string) error {
	m.record(sentMessage{kind: "group", chatID: chatID, text: caption, paths: append([]string(nil), paths...)})
	return m.mediaErr()
}

func (m *fakeMessenger) SendVideo(_ context.Context, chatID int64, path, caption string, markup Markup) error {
	m.record(sentMessage{kind: "video", chatID: chatID, text: caption, paths: []string{path}, markup: markup})
	return m.mediaErr()
}

func (m *fakeMessenger) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

// count returns the messages whose text starts with key.
func (m *fakeMessenger) count(key string) int {
	n := 0
	for _, msg := range m.Sent() {
		if strings.HasPrefix(msg.text, key) {
			n++
		}
	}
	return n
}

func (m *fakeMessenger) byKind(kind string) []sentMessage {
	var out []sentMessage
	for _, msg := range m.Sent() {
		if msg.kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// fakeTexts renders "key" followed by its arguments.
type fakeTexts struct{}

func (fakeTexts) Text(_ int64, key string, args ...interface{}) string {
	if len(args) == 0 {
		return key
	}
	return key + " " + fmt.Sprint(args...)
}

type fakeSession struct {
	mu     sync.Mutex
	userID int64
	data   SessionData
}

func newFakeSession(userID int64, data SessionData) *fakeSession {
	return &fakeSession{userID: userID, data: data}
}

func (s *fakeSession) UserID() int64 { return s.userID }

func (s *fakeSession) Snapshot() SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

func (s *fakeSession) Update(fn func(*SessionData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// newImageServer serves image bytes under /img/ and 404 under /missing/.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/img/"):
			w.Header().Set("Content-Type", "image/webp")
			w.Write([]byte("RIFF....WEBPVP8 fake image " + r.URL.Path))
		case strings.HasPrefix(r.URL.Path, "/video/"):
			w.Header().Set("Content-Type", "video/mp4")
			w.Write([]byte("fake mp4"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.DataDir = t.TempDir()
	cfg.ReplicateOwner = "acme"
	cfg.Queue.CooldownSeconds = 0
	cfg.Queue.Workers = 4
	cfg.Provider.RetryMinSeconds = 0
	cfg.Provider.RetryMaxSeconds = 0
	cfg.Download.BackoffSeconds = 0
	cfg.Download.TimeoutSeconds = 5
	return cfg
}

type harness struct {
	orch      *Orchestrator
	ledger    *fakeLedger
	avatars   *fakeAvatars
	provider  *fakeProvider
	messenger *fakeMessenger
	events    *fakeEvents
}

func newHarness(t *testing.T, cfg *config.Config, balances map[int64]int, avatars map[int64]*models.TrainedAvatar,
	run func(model string, input map[string]interface{}) ([]interface{}, error)) *harness {
	t.Helper()
	h := &harness{
		ledger:    newFakeLedger(t, balances),
		avatars:   &fakeAvatars{avatars: avatars},
		provider:  &fakeProvider{run: run},
		messenger: &fakeMessenger{},
		events:    &fakeEvents{},
	}
	orch, err := New(cfg, Deps{
		Ledger:    h.ledger,
		Avatars:   h.avatars,
		Events:    h.events,
		Provider:  h.provider,
		Messenger: h.messenger,
		Texts:     fakeTexts{},
		BotID:     999,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	return h
}

// start runs the workers until the test ends.
func (h *harness) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.orch.Stop()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const modernVersion = "5c7d5dc6dd8bf75c1acaa8565735e7986bc5b66206b55cca93cb72c9bf15ccaa"

func modernAvatar(userID int64) *models.TrainedAvatar {
	return &models.TrainedAvatar{
		AvatarID:     1,
		UserID:       userID,
		ModelID:      "acme/fastnew-user",
		ModelVersion: modernVersion,
		Status:       models.AvatarSuccess,
		TriggerWord:  "TOK",
		AvatarName:   "me",
		Gender:       "man",
		IsActive:     true,
	}
}

func legacyAvatar(userID int64) *models.TrainedAvatar {
	return &models.TrainedAvatar{
		AvatarID:     2,
		UserID:       userID,
		ModelID:      "olduser/legacy-lora",
		ModelVersion: "v1",
		Status:       models.AvatarSuccess,
		TriggerWord:  "OLDTOK",
		AvatarName:   "old",
		IsActive:     true,
	}
}

func avatarSession(userID int64) *fakeSession {
	return newFakeSession(userID, SessionData{
		GenerationType: models.TypeWithAvatar,
		Prompt:         "portrait in a park",
		AspectRatio:    "1:1",
		ModelKey:       ModelFluxTrained,
	})
}

func imageURLs(srv *httptest.Server, paths ...string) []interface{} {
	out := make([]interface{}, len(paths))
	for i, p := range paths {
		out[i] = srv.URL + p
	}
	return out
}
