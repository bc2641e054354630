package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/ventriloquist/internal/chat"
	"github.com/zulandar/ventriloquist/internal/clova"
	"github.com/zulandar/ventriloquist/internal/dispatch"
	"github.com/zulandar/ventriloquist/internal/durable"
	"github.com/zulandar/ventriloquist/internal/durable/durabletest"
)

// --- Test doubles ---

type stubTurns struct {
	reply dispatch.VoiceReply
	err   error
}

func (s *stubTurns) Handle(ctx context.Context, turn dispatch.Turn) (dispatch.VoiceReply, error) {
	return s.reply, s.err
}

type stubWebhook struct {
	updates []chat.Update
	err     error
}

func (s *stubWebhook) ParseRequest(r *http.Request) ([]chat.Update, error) {
	return s.updates, s.err
}

type recordingHandler struct {
	mu   sync.Mutex
	got  []chat.Update
	fail bool
}

func (h *recordingHandler) Submit(ctx context.Context, u chat.Update) <-chan error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, u)
	done := make(chan error, 1)
	if h.fail {
		done <- errors.New("dispatch failed")
	} else {
		done <- nil
	}
	return done
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

type testServer struct {
	router  *gin.Engine
	turns   *stubTurns
	webhook *stubWebhook
	chat    *recordingHandler
	fake    *durabletest.Fake
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	turns := &stubTurns{reply: dispatch.VoiceReply{KeepWaiting: true, Speech: []string{"hi"}}}
	skill, err := clova.NewSkill(turns, clova.ResponseOpts{SilentAudioURL: "https://cdn.example/silent.mp3"})
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		turns:   turns,
		webhook: &stubWebhook{},
		chat:    &recordingHandler{},
		fake:    durabletest.New(),
	}
	ts.router, err = NewRouter(Opts{
		Skill:      skill,
		Webhook:    ts.webhook,
		Chat:       ts.chat,
		Admin:      ts.fake,
		AdminToken: token,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return ts
}

func (ts *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestNewRouter_Validation(t *testing.T) {
	skill, _ := clova.NewSkill(&stubTurns{}, clova.ResponseOpts{SilentAudioURL: "u"})
	if _, err := NewRouter(Opts{Admin: durabletest.New()}); err == nil {
		t.Error("expected error for missing skill")
	}
	if _, err := NewRouter(Opts{Skill: skill}); err == nil {
		t.Error("expected error for missing admin")
	}
	if _, err := NewRouter(Opts{Skill: skill, Admin: durabletest.New(), Webhook: &stubWebhook{}}); err == nil {
		t.Error("expected error for webhook without chat handler")
	}
}

func TestStart_RequiresSkill(t *testing.T) {
	err := Start(context.Background(), Opts{})
	if err == nil || !strings.Contains(err.Error(), "voice skill is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}

func TestClova(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(http.MethodPost, "/clova", `{"session":{"user":{"userId":"U1"}},"request":{"type":"LaunchRequest"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp clova.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "1.0" || len(resp.Response.Directives) != 1 || resp.Response.ShouldEndSession {
		t.Errorf("response = %+v", resp)
	}
}

func TestClova_BadBody(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(http.MethodPost, "/clova", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestClova_DispatchErrorStillAnswers(t *testing.T) {
	ts := newTestServer(t, "")
	ts.turns.err = errors.New("db down")
	w := ts.do(http.MethodPost, "/clova", `{"session":{"user":{"userId":"U1"}},"request":{"type":"LaunchRequest"}}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestWebhook_DispatchesEveryUpdate(t *testing.T) {
	ts := newTestServer(t, "")
	ts.webhook.updates = []chat.Update{
		{Platform: "line", UserID: "U1", Text: "a"},
		{Platform: "line", UserID: "U2", Text: "b"},
	}
	ts.chat.fail = true

	w := ts.do(http.MethodPost, "/line/webhook", "{}")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("webhook = %d %q", w.Code, w.Body.String())
	}
	if ts.chat.count() != 2 {
		t.Errorf("handled %d updates, want 2", ts.chat.count())
	}
}

func TestWebhook_SubmitsInDeliveryOrder(t *testing.T) {
	ts := newTestServer(t, "")
	for _, text := range []string{"l1", "l2", "l3"} {
		ts.webhook.updates = append(ts.webhook.updates, chat.Update{Platform: "line", UserID: "U1", Text: text})
	}
	ts.webhook.updates = append(ts.webhook.updates, chat.Update{Platform: "line", UserID: "U1", Postback: "action=endTemplateSetting"})

	if w := ts.do(http.MethodPost, "/line/webhook", "{}"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ts.chat.mu.Lock()
	defer ts.chat.mu.Unlock()
	if len(ts.chat.got) != 4 {
		t.Fatalf("submitted %d updates, want 4", len(ts.chat.got))
	}
	for i, want := range []string{"l1", "l2", "l3"} {
		if ts.chat.got[i].Text != want {
			t.Errorf("update %d = %q, want %q", i, ts.chat.got[i].Text, want)
		}
	}
	if ts.chat.got[3].Postback == "" {
		t.Error("finish postback must be submitted last")
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	ts := newTestServer(t, "")
	ts.webhook.err = errors.New("line: invalid signature")
	if w := ts.do(http.MethodPost, "/line/webhook", "{}"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if ts.chat.count() != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestWebhook_AbsentWithoutWebhook(t *testing.T) {
	gin.SetMode(gin.TestMode)
	skill, _ := clova.NewSkill(&stubTurns{}, clova.ResponseOpts{SilentAudioURL: "u"})
	router, err := NewRouter(Opts{Skill: skill, Admin: durabletest.New()})
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/line/webhook", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestInstanceStatus(t *testing.T) {
	ts := newTestServer(t, "")
	ts.fake.Complete("U1", "hello")

	w := ts.do(http.MethodGet, "/api/instances/U1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view["key"] != "U1" || view["status"] != string(durable.StatusCompleted) || view["output"] != "hello" {
		t.Errorf("view = %v", view)
	}
}

func TestInstanceStatus_NotFound(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(http.MethodGet, "/api/instances/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestInstanceTerminate(t *testing.T) {
	ts := newTestServer(t, "")
	ts.fake.SetStatus("U1", durable.StatusRunning)

	w := ts.do(http.MethodDelete, "/api/instances/U1?reason=maintenance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ts.fake.Reason("U1") != "maintenance" {
		t.Errorf("reason = %q", ts.fake.Reason("U1"))
	}
	if w := ts.do(http.MethodDelete, "/api/instances/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}
}

func TestAdminToken(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	ts.fake.SetStatus("U1", durable.StatusRunning)

	if w := ts.do(http.MethodGet, "/api/instances/U1", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/instances/U1", "", "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/instances/U1", "", "Authorization", "Bearer s3cret"); w.Code != http.StatusOK {
		t.Errorf("right token = %d, want 200", w.Code)
	}
	if w := ts.do(http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz must stay open, got %d", w.Code)
	}
}
