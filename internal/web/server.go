// Package web 本地控制面板：连接、开始、停止、状态查询与实时日志
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ucampus/internal/classify"
	"ucampus/internal/config"
	"ucampus/internal/content"
	"ucampus/internal/dom"
	"ucampus/internal/handlers"
	"ucampus/internal/metrics"
	"ucampus/internal/models"
	"ucampus/internal/runner"
)

//go:embed static
var staticFiles embed.FS

const (
	testPrompt     = "请回复：测试成功"
	testTimeout    = 30 * time.Second
	statusInterval = time.Second
)

// ModelSource 模型列表与选择
type ModelSource interface {
	Models() []models.Info
	Select(name string) (models.Oracle, error)
}

// Server Web服务器
type Server struct {
	cfg     *config.Config
	run     *runner.Controller
	models  ModelSource
	hub     *Hub
	metrics *metrics.Collector
	log     *zap.Logger

	classifier *classify.Classifier
	extractor  *content.Extractor
	// statusEvery SSE 推送状态的检查间隔
	statusEvery time.Duration
}

// NewServer 创建服务器
func NewServer(cfg *config.Config, run *runner.Controller, ms ModelSource, hub *Hub, m *metrics.Collector, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		run:         run,
		models:      ms,
		hub:         hub,
		metrics:     m,
		log:         log.Named("web"),
		classifier:  classify.New(0),
		extractor:   content.NewExtractor(cfg.Timing.ElementWait, 200*time.Millisecond),
		statusEvery: statusInterval,
	}
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/models", s.handleModels)
		r.Post("/models/select", s.handleSelectModel)
		r.Post("/models/test", s.handleTestModel)
		r.Get("/classify", s.handleClassify)
		r.Get("/events", s.handleSSE)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Start 启动服务器，ctx 取消时优雅退出
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("控制面板已启动", zap.String("url", fmt.Sprintf("http://localhost:%d", port)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "message": err.Error()})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := fs.ReadFile(staticFiles, "static/index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.run.Status())
}

// publishStatus 状态变化后立即推送，不等下一次检查
func (s *Server) publishStatus() {
	s.hub.Publish(Event{Type: "status", Data: s.run.Status()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	fresh, err := s.run.Connect(r.Context())
	if err != nil {
		s.connectFailed(w, err)
		return
	}
	s.publishStatus()
	msg := "浏览器已连接"
	if !fresh {
		msg = "浏览器已经连接"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) connectFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, runner.ErrConnecting) {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.log.Error("连接浏览器失败", zap.Error(err))
	writeError(w, http.StatusBadGateway, err)
}

// handleStart 未连接时先连接浏览器再开始
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.run.Start()
	if errors.Is(err, runner.ErrNotConnected) {
		if _, err = s.run.Connect(r.Context()); err != nil {
			s.connectFailed(w, err)
			return
		}
		started, err = s.run.Start()
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.publishStatus()
	msg := "已开始"
	if !started {
		msg = "已经在运行"
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	msg := "没有正在运行的任务"
	if s.run.Stop() {
		msg = "已请求停止"
	}
	s.publishStatus()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":   s.models.Models(),
		"selected": s.run.Status().Backend,
	})
}

type modelRequest struct {
	Name string `json:"name"`
}

func decodeModel(r *http.Request) (string, error) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	if req.Name == "" {
		return "", errors.New("缺少模型名称")
	}
	return req.Name, nil
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	name, err := decodeModel(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.run.SelectBackend(name); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.log.Info("已选择答题模型", zap.String("model", name))
	s.publishStatus()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "已选择 " + name})
}

// handleTestModel 发送一条测试提示词，检查模型是否可以调用
func (s *Server) handleTestModel(w http.ResponseWriter, r *http.Request) {
	name, err := decodeModel(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	oracle, err := s.models.Select(name)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()
	reply, err := oracle.Ask(ctx, testPrompt)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": fmt.Sprintf("连接失败: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "连接成功", "reply": reply})
}

// handleClassify 识别当前页面。运行期间会话归工作协程所有，此时拒绝；识别期间也不能开始运行。
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	err := s.run.Inspect(r.Context(), func(ctx context.Context, page dom.Page) error {
		ct, err := s.classifier.Classify(ctx, page)
		if err != nil {
			return err
		}
		matches, err := s.classifier.Explain(ctx, page)
		if err != nil {
			return err
		}
		resp["type"], resp["matches"] = ct, matches
		if layout, ok := handlers.LayoutOf(ct); ok {
			snap, err := s.extractor.Extract(ctx, page, layout)
			if err != nil {
				return err
			}
			resp["content"] = snap
		}
		return nil
	})
	switch {
	case errors.Is(err, runner.ErrNotConnected), errors.Is(err, runner.ErrBusy):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeEvent(w http.ResponseWriter, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// handleSSE SSE事件流：日志逐条推送，状态变化时推送 status
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	if err := writeEvent(w, Event{Type: "connected", Message: "SSE连接成功"}); err != nil {
		return
	}
	last := s.run.Status()
	if err := writeEvent(w, Event{Type: "status", Data: last}); err != nil {
		return
	}

	ticker := time.NewTicker(s.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
		case <-ticker.C:
			cur := s.run.Status()
			if cur.Phase == last.Phase && cur.Running == last.Running && cur.Stop == last.Stop && cur.RunID == last.RunID &&
				cur.Connected == last.Connected && cur.Connecting == last.Connecting {
				continue
			}
			last = cur
			if err := writeEvent(w, Event{Type: "status", Data: cur}); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
