// Package handlers 每种页面类型的处理逻辑
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ucampus/internal/config"
	"ucampus/internal/content"
	"ucampus/internal/metrics"
	"ucampus/internal/models"
)

// pauseTick 等待期间检查停止标志的间隔
const pauseTick = 200 * time.Millisecond

// StopChecker 停止标志
type StopChecker interface {
	StopRequested() bool
}

// Controller 处理器共用的依赖，由控制循环构造并传入
type Controller struct {
	Log       *zap.Logger
	Oracle    models.Oracle
	Stop      StopChecker
	Timing    config.TimingConfig
	Quiz      config.QuizConfig
	Extractor *content.Extractor
	Injector  *content.Injector
	Metrics   *metrics.Collector
}

// NewController 按配置创建，oracle 和 stop 可以为 nil
func NewController(cfg *config.Config, log *zap.Logger, oracle models.Oracle, stop StopChecker, m *metrics.Collector) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		Log:       log,
		Oracle:    oracle,
		Stop:      stop,
		Timing:    cfg.Timing,
		Quiz:      cfg.Quiz,
		Extractor: content.NewExtractor(cfg.Timing.ElementWait, pauseTick),
		Injector:  content.NewInjector(log, m),
		Metrics:   m,
	}
}

// Stopped 是否已请求停止
func (c *Controller) Stopped() bool {
	return c.Stop != nil && c.Stop.StopRequested()
}

// Pause 等待 d，期间按 pauseTick 检查停止标志。
// 请求停止时提前返回 true；context 取消时返回其错误。
func (c *Controller) Pause(ctx context.Context, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		if c.Stopped() {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := pauseTick
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PollOutcome 轮询的结束原因
type PollOutcome int

const (
	PollSatisfied PollOutcome = iota
	PollCeiling
	PollStopped
)

func (o PollOutcome) String() string {
	switch o {
	case PollSatisfied:
		return "satisfied"
	case PollCeiling:
		return "ceiling"
	case PollStopped:
		return "stopped"
	}
	return "unknown"
}

// Poll 有界轮询：每隔 interval 调用一次 check，直到它返回 true、
// 总耗时超过 ceiling 或请求停止。check 返回的错误原样返回。
func (c *Controller) Poll(ctx context.Context, interval, ceiling time.Duration, check func() (bool, error)) (PollOutcome, error) {
	deadline := time.Now().Add(ceiling)
	for {
		if c.Stopped() {
			return PollStopped, nil
		}
		ok, err := check()
		if err != nil {
			return PollSatisfied, err
		}
		if ok {
			return PollSatisfied, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return PollCeiling, nil
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		stopped, err := c.Pause(ctx, wait)
		if err != nil {
			return PollStopped, err
		}
		if stopped {
			return PollStopped, nil
		}
	}
}
