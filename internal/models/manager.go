package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ucampus/internal/config"
	"ucampus/internal/metrics"
)

// Info 控制面板上显示的模型信息
type Info struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Enabled bool   `json:"enabled"`
	Ready   bool   `json:"ready"`
}

// Manager 模型管理器。所有后端共用一个限速器，调用之间至少间隔 min_interval。
// 调用失败不会自动重试，也不会切换到其他模型。
type Manager struct {
	configs []config.ModelConfig
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Collector
	log     *zap.Logger
}

// NewManager 创建模型管理器，m 可以为 nil
func NewManager(cfg *config.Config, m *metrics.Collector, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.Oracle.MinInterval > 0 {
		limit = rate.Every(cfg.Oracle.MinInterval)
	}
	return &Manager{
		configs: cfg.Models,
		client:  getHTTPClient(),
		limiter: rate.NewLimiter(limit, 1),
		timeout: cfg.Oracle.Timeout,
		metrics: m,
		log:     log.Named("oracle"),
	}
}

// WithHTTPClient 替换 HTTP 客户端
func (m *Manager) WithHTTPClient(c *http.Client) *Manager {
	m.client = c
	return m
}

// Models 全部模型
func (m *Manager) Models() []Info {
	out := make([]Info, len(m.configs))
	for i, c := range m.configs {
		out[i] = Info{Name: c.Name, Model: c.Model, Enabled: c.Enabled, Ready: c.Enabled && c.HasCredentials()}
	}
	return out
}

// HasAvailableModel 是否至少有一个可以调用的模型
func (m *Manager) HasAvailableModel() bool {
	for _, info := range m.Models() {
		if info.Ready {
			return true
		}
	}
	return false
}

// Select 按名称选择后端。凭据缺失时直接拒绝，返回的错误包装了 ErrMissingCredentials。
func (m *Manager) Select(name string) (Oracle, error) {
	for _, c := range m.configs {
		if c.Name != name {
			continue
		}
		if !c.Enabled {
			return nil, callError(name, errors.New("模型未启用"))
		}
		if !c.HasCredentials() {
			return nil, callError(name, fmt.Errorf("%w，请在配置文件中填写 %s 的 api_key", ErrMissingCredentials, name))
		}
		backend, err := New(c, m.client)
		if err != nil {
			return nil, callError(name, err)
		}
		return &guarded{Oracle: backend, m: m}, nil
	}
	return nil, callError(name, errors.New("未知的模型"))
}

// guarded 在后端调用外层加上限速、超时与指标
type guarded struct {
	Oracle
	m *Manager
}

func (g *guarded) Ask(ctx context.Context, prompt string) (string, error) {
	if err := g.m.limiter.Wait(ctx); err != nil {
		return "", callError(g.Name(), err)
	}
	if g.m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.m.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := g.Oracle.Ask(ctx, prompt)
	elapsed := time.Since(start)
	g.m.metrics.OracleRequest(g.Name(), err, elapsed)
	if err != nil {
		g.m.log.Warn("模型调用失败", zap.String("model", g.Name()), zap.Duration("elapsed", elapsed), zap.Error(err))
		return "", err
	}
	g.m.log.Debug("模型调用完成", zap.String("model", g.Name()), zap.Duration("elapsed", elapsed), zap.Int("chars", len(text)))
	return text, nil
}
