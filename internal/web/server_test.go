package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ucampus/internal/config"
	"ucampus/internal/dom"
	"ucampus/internal/metrics"
	"ucampus/internal/models"
	"ucampus/internal/runner"
)

type fakeSession struct{ page dom.Page }

func (s fakeSession) Page() dom.Page { return s.page }
func (s fakeSession) Close() error   { return nil }

type fakeOracle struct{ reply string }

func (o fakeOracle) Name() string { return "fake" }

func (o fakeOracle) Ask(context.Context, string) (string, error) { return o.reply, nil }

type fakeModels struct{}

func (fakeModels) Models() []models.Info {
	return []models.Info{{Name: "DeepSeek", Model: "deepseek-chat", Enabled: true, Ready: true}, {Name: "Groq", Enabled: true}}
}

func (fakeModels) Select(name string) (models.Oracle, error) {
	switch name {
	case "DeepSeek":
		return fakeOracle{reply: "测试成功"}, nil
	case "Groq":
		return nil, models.ErrMissingCredentials
	}
	return nil, errors.New("未知的模型")
}

func newTestServer(t *testing.T, html string) (*Server, *Hub) {
	t.Helper()
	cfg := config.Default()
	cfg.Timing.ElementWait = 20 * time.Millisecond
	cfg.Timing.SettleDelay = time.Millisecond
	cfg.Timing.NavigationDelay = time.Millisecond
	cfg.Timing.IdlePause = time.Millisecond

	d, err := dom.ParseHTML(html)
	require.NoError(t, err)
	connect := func(context.Context) (runner.Session, error) { return fakeSession{page: d}, nil }

	hub := NewHub(10)
	run := runner.NewController(context.Background(), cfg, nil, nil, connect, fakeModels{})
	srv := NewServer(cfg, run, fakeModels{}, hub, metrics.NewCollector(), nil)
	srv.statusEvery = 10 * time.Millisecond
	return srv, hub
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestIndex(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/events")
}

func TestConnectAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()

	code, st := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, st["connected"])
	assert.Equal(t, "Idle", st["phase"])
	assert.Equal(t, "stopped", st["stop"])

	code, resp := do(t, h, http.MethodPost, "/api/connect", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "浏览器已连接", resp["message"])
	_, resp = do(t, h, http.MethodPost, "/api/connect", "")
	assert.Equal(t, "浏览器已经连接", resp["message"])

	_, st = do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, true, st["connected"])
}

func TestStartConnectsFirst(t *testing.T) {
	srv, _ := newTestServer(t, `<div id="content"></div>`)
	h := srv.Handler()

	code, resp := do(t, h, http.MethodPost, "/api/start", "")
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, true, resp["success"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.run.Wait(ctx))

	_, st := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, "Done", st["phase"])
	last, ok := st["last"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Done", last["final"])

	_, resp = do(t, h, http.MethodPost, "/api/stop", "")
	assert.Equal(t, "没有正在运行的任务", resp["message"])
}

func TestModels(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()

	code, resp := do(t, h, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["models"], 2)
	assert.Equal(t, "DeepSeek", resp["selected"])

	code, _ = do(t, h, http.MethodPost, "/api/models/select", `{"name":"Groq"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	code, _ = do(t, h, http.MethodPost, "/api/models/select", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, h, http.MethodPost, "/api/models/select", `{"name":"DeepSeek"}`)
	assert.Equal(t, http.StatusOK, code)

	_, resp = do(t, h, http.MethodPost, "/api/models/test", `{"name":"DeepSeek"}`)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "测试成功", resp["reply"])

	_, resp = do(t, h, http.MethodPost, "/api/models/test", `{"name":"Groq"}`)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["message"], "API Key")
}

func TestClassify(t *testing.T) {
	srv, _ := newTestServer(t, `<div class="ques-wrapper"><p>1. Water is <input type="text"></p></div>`)
	h := srv.Handler()

	code, _ := do(t, h, http.MethodGet, "/api/classify", "")
	assert.Equal(t, http.StatusConflict, code)

	_, err := srv.run.Connect(context.Background())
	require.NoError(t, err)
	code, resp := do(t, h, http.MethodGet, "/api/classify", "")
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "QuizFillInBlank", resp["type"])
	snap, ok := resp["content"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"Water is"}, snap["questions"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHub(t *testing.T) {
	hub := NewHub(1)
	events, unsubscribe := hub.Subscribe()
	assert.Equal(t, 1, hub.Clients())

	line := []byte("12:00:00\tINFO\thello\n")
	n, err := hub.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	// 缓冲已满时丢弃
	hub.Publish(Event{Type: "status"})

	e := <-events
	assert.Equal(t, "log", e.Type)
	assert.Equal(t, "12:00:00\tINFO\thello", e.Message)

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Clients())
	_, open := <-events
	assert.False(t, open)
	assert.NoError(t, hub.Sync())
}

func TestSSE(t *testing.T) {
	srv, hub := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() Event {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var e Event
				require.NoError(t, json.Unmarshal([]byte(data), &e))
				return e
			}
		}
	}

	assert.Equal(t, "connected", next().Type)
	assert.Equal(t, "status", next().Type)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	hub.Write([]byte("hello from the worker\n"))
	e := next()
	assert.Equal(t, "log", e.Type)
	assert.Equal(t, "hello from the worker", e.Message)
}
