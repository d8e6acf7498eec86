package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ucampus/internal/classify"
	"ucampus/internal/config"
	"ucampus/internal/dom"
	"ucampus/internal/handlers"
	"ucampus/internal/metrics"
	"ucampus/internal/models"
)

var (
	// ErrNotConnected 还没有连接浏览器
	ErrNotConnected = errors.New("浏览器未连接")
	// ErrConnecting 另一个请求正在连接浏览器
	ErrConnecting = errors.New("正在连接浏览器")
	// ErrBusy 会话正被控制循环或页面识别占用
	ErrBusy = errors.New("浏览器正忙，请稍后再试")
)

// Session 浏览器会话
type Session interface {
	Page() dom.Page
	Close() error
}

// Connector 获取浏览器会话
type Connector func(ctx context.Context) (Session, error)

// OracleSelector 按名称选择答题模型
type OracleSelector interface {
	Select(name string) (models.Oracle, error)
}

// Status 控制面板读取的状态快照
type Status struct {
	Connected  bool      `json:"connected"`
	Connecting bool      `json:"connecting"`
	Running    bool      `json:"running"`
	Phase      Phase     `json:"phase"`
	Stop       StopState `json:"stop"`
	Backend    string    `json:"backend"`
	RunID      string    `json:"runId,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Last       *Report   `json:"last,omitempty"`
}

// Controller 进程内唯一的运行状态：至少一个会话、一个停止标志、所选模型。
// 连接、开始、停止都是幂等的；控制循环始终只在一个工作协程中运行。
// 会话同一时间只有一个使用者：控制循环或一次页面识别。
type Controller struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Collector
	connect Connector
	oracles OracleSelector
	table   handlers.Table

	// base 工作协程使用的 context，随进程退出取消
	base context.Context

	stop  *StopFlag
	phase atomic.Int32

	mu         sync.Mutex
	session    Session
	broken     bool
	connecting bool
	inspecting bool
	closed     bool
	backend    string
	running    bool
	runID      string
	last       *Report
	lastErr    error
	finished   chan struct{}
}

// NewController 创建运行状态
func NewController(base context.Context, cfg *config.Config, log *zap.Logger, m *metrics.Collector, connect Connector, oracles OracleSelector) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		log:     log,
		metrics: m,
		connect: connect,
		oracles: oracles,
		table:   handlers.DefaultTable(),
		base:    base,
		stop:    NewStopFlag(),
		backend: cfg.Oracle.Default,
	}
}

// Connect 获取浏览器会话。已经连接时不做任何事；上一次运行因会话故障结束时重新连接。
// 连接浏览器可能耗时数秒，期间不持有锁，状态查询不受影响。
func (c *Controller) Connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if (c.session != nil && !c.broken) || c.running {
		c.mu.Unlock()
		return false, nil
	}
	if c.connecting {
		c.mu.Unlock()
		return false, ErrConnecting
	}
	c.connecting = true
	old := c.session
	c.session, c.broken = nil, false
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s, err := c.connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	if err != nil {
		return false, err
	}
	if c.closed {
		_ = s.Close()
		return false, ErrNotConnected
	}
	c.session = s
	c.log.Info("浏览器已连接")
	return true, nil
}

// SelectBackend 选择答题模型，下一次运行生效
func (c *Controller) SelectBackend(name string) error {
	if _, err := c.oracles.Select(name); err != nil {
		return err
	}
	c.mu.Lock()
	c.backend = name
	c.mu.Unlock()
	return nil
}

// Start 启动控制循环。未连接返回 ErrNotConnected，已在运行返回 false。
func (c *Controller) Start() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.broken {
		return false, ErrNotConnected
	}
	if c.running {
		return false, nil
	}
	if c.inspecting {
		return false, ErrBusy
	}

	runID := uuid.NewString()
	log := c.log.With(zap.String("run", runID[:8]))

	oracle, err := c.oracles.Select(c.backend)
	if err != nil {
		// 没有可用模型时仍然可以处理视频、卡片等页面，题目页会记录失败
		log.Warn("答题模型不可用，题目页将无法作答", zap.Error(err))
		oracle = nil
	}

	c.stop.Reset()
	c.running = true
	c.runID = runID
	c.lastErr = nil
	c.finished = make(chan struct{})

	ctl := handlers.NewController(c.cfg, log, oracle, c.stop, c.metrics)
	loop := &Loop{
		Course:     c.cfg.Course,
		Timing:     c.cfg.Timing,
		Classifier: classify.New(c.cfg.Timing.SettleDelay),
		Table:      c.table,
		Ctl:        ctl,
		Stop:       c.stop,
		Log:        log,
		Metrics:    c.metrics,
		OnPhase:    func(p Phase) { c.phase.Store(int32(p)) },
	}
	go c.work(loop, c.session.Page(), runID, log, c.finished)
	return true, nil
}

func (c *Controller) work(loop *Loop, page dom.Page, runID string, log *zap.Logger, finished chan struct{}) {
	defer close(finished)
	c.metrics.RunStarted()
	log.Info("控制循环开始")

	report, err := loop.Run(c.base, page)
	report.RunID = runID
	c.stop.MarkStopped()

	state := report.Final.String()
	if report.Stopped {
		state = "stopped"
	}
	if err != nil {
		state = "error"
		log.Error("控制循环因会话故障结束", zap.Error(err))
	} else {
		log.Info("控制循环结束", zap.String("state", state), zap.Int("visits", len(report.Visits)))
	}
	c.metrics.RunFinished(state)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.last = &report
	c.lastErr = err
	if errors.Is(err, dom.ErrSession) {
		c.broken = true
	}
}

// Stop 请求停止。没有运行时返回 false。
func (c *Controller) Stop() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return false
	}
	if c.stop.Request() {
		c.log.Info("已请求停止，将在下一个检查点退出")
	}
	return true
}

// Wait 等待当前运行结束
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if finished == nil {
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 状态快照
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Connected:  c.session != nil && !c.broken,
		Connecting: c.connecting,
		Running:    c.running,
		Phase:      Phase(c.phase.Load()),
		Stop:       c.stop.State(),
		Backend:    c.backend,
		RunID:      c.runID,
		Last:       c.last,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Inspect 在没有运行时独占会话执行 fn，期间 Start 返回 ErrBusy。
// 未连接返回 ErrNotConnected，正在运行或已有识别进行中返回 ErrBusy。
func (c *Controller) Inspect(ctx context.Context, fn func(ctx context.Context, p dom.Page) error) error {
	c.mu.Lock()
	if c.session == nil || c.broken {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.running || c.inspecting {
		c.mu.Unlock()
		return ErrBusy
	}
	c.inspecting = true
	page := c.session.Page()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inspecting = false
		c.mu.Unlock()
	}()
	err := fn(ctx, page)
	if errors.Is(err, dom.ErrSession) {
		c.mu.Lock()
		c.broken = true
		c.mu.Unlock()
	}
	return err
}

// Running 是否正在运行
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Close 停止运行并关闭会话
func (c *Controller) Close(ctx context.Context) error {
	c.Stop()
	if err := c.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
