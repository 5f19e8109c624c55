package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joingate/module/moderation"
	"joingate/service/intake"
	"joingate/service/metrics"
	"joingate/tools/errs"
	jwtsec "joingate/tools/security"
)

type fakeDispatcher struct {
	got *intake.Envelope
	err error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, source string, env *intake.Envelope) (intake.Result, error) {
	f.got = env
	if f.err != nil {
		return intake.Result{}, f.err
	}
	return intake.Result{EventID: env.ID, Handled: source == "http"}, nil
}

type fakeSweeper struct{ n int }

func (f *fakeSweeper) Sweep(context.Context, time.Time) (int, error) { return f.n, nil }

type fakeCommands struct{ got moderation.Request }

func (f *fakeCommands) Handle(_ context.Context, req moderation.Request) (string, bool, error) {
	f.got = req
	if !strings.HasPrefix(req.Text, "/") {
		return "", false, nil
	}
	return "done", true, nil
}

type harness struct {
	srv  *Server
	disp *fakeDispatcher
	cmds *fakeCommands
	jwt  jwtsec.Options
}

func newHarness(t *testing.T, eventsToken string) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ChallengeIssued()

	h := &harness{
		disp: &fakeDispatcher{},
		cmds: &fakeCommands{},
		jwt:  jwtsec.DefaultOptions([]byte("test-secret")),
	}
	h.srv = New(Deps{
		Dispatcher:  h.disp,
		Sweeper:     &fakeSweeper{n: 3},
		Commands:    h.cmds,
		Gatherer:    reg,
		JWT:         h.jwt,
		SweepToken:  "sweep-token",
		EventsToken: eventsToken,
	})
	return h
}

func (h *harness) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	h.srv.deps.Health = map[string]HealthCheck{"redis": func(context.Context) error { return errors.New("down") }}
	w = h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "joingate_")
}

func TestPostEvent(t *testing.T) {
	h := newHarness(t, "")
	w := h.do(http.MethodPost, "/api/events", `{"id":"e1","type":"callback","payload":{"actor_id":1,"data":"x"}}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	var res intake.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "e1", res.EventID)
	assert.True(t, res.Handled)
	assert.Equal(t, intake.EventCallback, h.disp.got.Type)

	w = h.do(http.MethodPost, "/api/events", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.disp.err = errs.ErrStaleState.WrapMsg("boom")
	w = h.do(http.MethodPost, "/api/events", `{"id":"e2","type":"callback","payload":{}}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPostEventToken(t *testing.T) {
	h := newHarness(t, "events-token")
	body := `{"id":"e1","type":"callback","payload":{}}`
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/events", body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/events", body, "wrong").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/events", body, "events-token").Code)
}

func TestPostSweep(t *testing.T) {
	h := newHarness(t, "")
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/sweep", "", "").Code)

	w := h.do(http.MethodPost, "/api/sweep", "", "sweep-token")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":3}`, w.Body.String())
}

func TestPostCommand(t *testing.T) {
	h := newHarness(t, "")
	token, _, err := jwtsec.Generate(h.jwt, -100, 7, time.Now())
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/admin/command", `{"text":"/ban 5"}`, "").Code)

	w := h.do(http.MethodPost, "/api/admin/command", `{"text":"/ban 5","reply_to_message_id":9}`, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reply":"done"}`, w.Body.String())
	assert.Equal(t, int64(-100), h.cmds.got.ChatID)
	assert.Equal(t, int64(7), h.cmds.got.ActorID)
	assert.Equal(t, int64(9), h.cmds.got.ReplyToMessageID)

	w = h.do(http.MethodPost, "/api/admin/command", `{"text":"hello"}`, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/admin/command", `{}`, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
