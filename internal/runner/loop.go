// Package runner 任务遍历与控制循环
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ucampus/internal/classify"
	"ucampus/internal/config"
	"ucampus/internal/dom"
	"ucampus/internal/handlers"
	"ucampus/internal/metrics"
)

// Visit 一次 (任务, 标签) 访问记录
type Visit struct {
	Task     int                  `json:"task"`
	TaskName string               `json:"taskName"`
	Tab      int                  `json:"tab"`
	TabName  string               `json:"tabName,omitempty"`
	Finished bool                 `json:"finished"`
	Type     classify.ContentType `json:"type"`
	Result   handlers.Result      `json:"result"`
}

// Report 一次运行的记录
type Report struct {
	RunID   string    `json:"runId"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Tasks   int       `json:"tasks"`
	Visits  []Visit   `json:"visits"`
	Final   Phase     `json:"final"`
	Stopped bool      `json:"stopped"`
}

// Loop 控制循环。只在工作协程中运行，对会话的所有操作都从这里发出。
type Loop struct {
	Course     config.CourseConfig
	Timing     config.TimingConfig
	Classifier *classify.Classifier
	Table      handlers.Table
	Ctl        *handlers.Controller
	Stop       *StopFlag
	Log        *zap.Logger
	Metrics    *metrics.Collector
	// OnPhase 阶段变化时回调，可以为 nil
	OnPhase func(Phase)
}

func (l *Loop) phase(p Phase) {
	if l.OnPhase != nil {
		l.OnPhase(p)
	}
}

// taskScope 任务菜单所在的范围。找不到菜单容器时在整个文档中查找任务项。
func (l *Loop) taskScope(ctx context.Context, p dom.Page) (dom.Ref, int, error) {
	var scope dom.Ref
	ok, err := dom.Exists(ctx, p, l.Course.MenuContainer)
	if err != nil {
		return nil, 0, err
	}
	if ok {
		scope = dom.Nth(l.Course.MenuContainer, 0)
	}
	n, err := p.Count(ctx, scope, l.Course.TaskItem)
	return scope, n, err
}

// isFinished 任务项自身或其子元素带有完成标记
func (l *Loop) isFinished(ctx context.Context, p dom.Page, ref dom.Ref) (bool, error) {
	ok, err := p.Matches(ctx, ref, l.Course.Finished)
	if err != nil || ok {
		return ok, err
	}
	n, err := p.Count(ctx, ref, l.Course.Finished)
	return n > 0, err
}

// isActive 标签自身或其子元素带有激活样式
func (l *Loop) isActive(ctx context.Context, p dom.Page, ref dom.Ref) (bool, error) {
	ok, err := p.Matches(ctx, ref, l.Course.ActiveTab)
	if err != nil || ok {
		return ok, err
	}
	n, err := p.Count(ctx, ref, l.Course.ActiveTab)
	return n > 0, err
}

// settle 导航后的等待。返回 true 表示等待期间请求了停止。
func (l *Loop) settle(ctx context.Context) (bool, error) {
	return l.Ctl.Pause(ctx, l.Timing.NavigationDelay)
}

// Run 遍历全部任务。
// 单元级的问题只记录在 Report 中；会话故障会结束运行并返回错误，此时阶段回到 Idle。
func (l *Loop) Run(ctx context.Context, p dom.Page) (report Report, err error) {
	report.Started = time.Now()
	report.Final = Idle
	defer func() {
		report.Ended = time.Now()
		if err != nil {
			report.Final = Idle
		}
		l.phase(report.Final)
	}()

	l.phase(EnumeratingTasks)
	if _, err := dom.WaitFor(ctx, p, l.Course.TaskItem, l.Timing.ElementWait, 500*time.Millisecond); err != nil {
		return report, err
	}
	_, total, err := l.taskScope(ctx, p)
	if err != nil {
		return report, err
	}
	report.Tasks = total
	if total == 0 {
		l.Log.Warn("没有找到任务列表，请先打开课程目录页面")
		report.Final = Done
		return report, nil
	}
	l.Log.Info("找到任务", zap.Int("total", total))

	for i := 0; i < total; i++ {
		if l.Stop.StopRequested() {
			l.Log.Info("已请求停止，不再开始新任务")
			report.Stopped = true
			return report, nil
		}

		l.phase(SelectingTask)
		scope, n, err := l.taskScope(ctx, p)
		if err != nil {
			return report, err
		}
		if n == 0 {
			// 上一个任务跳转到了新页面，回到课程目录
			l.Log.Info("任务列表不在当前页面，返回上一页")
			if err := p.Back(ctx); err != nil {
				return report, err
			}
			if stopped, err := l.settle(ctx); err != nil || stopped {
				report.Stopped = stopped
				return report, err
			}
			if scope, n, err = l.taskScope(ctx, p); err != nil {
				return report, err
			}
		}
		if i >= n {
			l.Log.Warn("任务列表变短，提前结束", zap.Int("index", i+1), zap.Int("available", n))
			break
		}

		ref := scope.Find(l.Course.TaskItem, i)
		name, _, err := p.Text(ctx, ref)
		if err != nil {
			return report, err
		}
		name = dom.NormalizeText(name)
		finished, err := l.isFinished(ctx, p, ref)
		if err != nil {
			return report, err
		}
		log := l.Log.With(zap.Int("task", i+1), zap.Int("total", total), zap.String("name", name))

		if finished && l.Course.SkipFinished {
			log.Info("任务已完成，跳过")
			report.Visits = append(report.Visits, Visit{
				Task: i, TaskName: name, Finished: true, Type: classify.Unknown,
				Result: handlers.Result{Status: handlers.Skipped, Reason: "任务已完成"},
			})
			continue
		}

		log.Info("进入任务", zap.Bool("finished", finished))
		clicked, err := p.Click(ctx, ref)
		if err != nil {
			return report, err
		}
		if !clicked {
			log.Warn("任务项已失效，跳过")
			report.Visits = append(report.Visits, Visit{
				Task: i, TaskName: name, Finished: finished, Type: classify.Unknown,
				Result: handlers.Result{Status: handlers.Skipped, Reason: "任务项已失效"},
			})
			continue
		}
		if stopped, err := l.settle(ctx); err != nil || stopped {
			report.Stopped = stopped
			return report, err
		}

		visits, stopped, err := l.runTabs(ctx, p, log, i, name, finished)
		report.Visits = append(report.Visits, visits...)
		if err != nil {
			return report, err
		}
		if stopped {
			report.Stopped = true
			return report, nil
		}
		l.phase(NextTask)
	}

	l.Log.Info("全部任务处理完毕", zap.Int("visits", len(report.Visits)))
	report.Final = Done
	return report, nil
}

// runTabs 处理当前任务下的所有标签。没有标签栏时视为只有一个隐含标签。
func (l *Loop) runTabs(ctx context.Context, p dom.Page, log *zap.Logger, task int, taskName string, finished bool) ([]Visit, bool, error) {
	l.phase(EnumeratingTabs)
	tabs, err := p.Count(ctx, nil, l.Course.TabItem)
	if err != nil {
		return nil, false, err
	}
	count := tabs
	if count == 0 {
		count = 1
	}

	var visits []Visit
	for j := 0; j < count; j++ {
		if l.Stop.StopRequested() {
			return visits, true, nil
		}
		v := Visit{Task: task, TaskName: taskName, Tab: j, Finished: finished}

		if tabs > 0 {
			l.phase(SelectingTab)
			ref := dom.Nth(l.Course.TabItem, j)
			name, ok, err := p.Text(ctx, ref)
			if err != nil {
				return visits, false, err
			}
			if !ok {
				log.Warn("标签已失效，跳过剩余标签", zap.Int("tab", j+1))
				break
			}
			v.TabName = dom.NormalizeText(name)
			active, err := l.isActive(ctx, p, ref)
			if err != nil {
				return visits, false, err
			}
			if !active {
				if _, err := p.Click(ctx, ref); err != nil {
					return visits, false, err
				}
				if stopped, err := l.settle(ctx); err != nil || stopped {
					return visits, stopped, err
				}
			}
		}

		l.phase(Classifying)
		ct, err := l.Classifier.Classify(ctx, p)
		if err != nil {
			return visits, false, err
		}
		v.Type = ct
		l.Metrics.UnitVisited(ct.String())
		log.Info("识别页面类型", zap.Int("tab", j+1), zap.Int("tabs", count), zap.String("tabName", v.TabName), zap.Stringer("type", ct))

		l.phase(Dispatching)
		res, err := l.Table.Dispatch(ctx, ct, p, l.Ctl)
		if err != nil {
			return visits, false, fmt.Errorf("处理 %s: %w", ct, err)
		}
		v.Result = res
		visits = append(visits, v)
		l.phase(NextTab)
	}
	return visits, false, nil
}
