package handlers

import (
	"context"

	"go.uber.org/zap"

	"ucampus/internal/classify"
	"ucampus/internal/content"
	"ucampus/internal/dom"
)

// Handler 处理一种页面类型。
// 元素缺失、模型失败等单元级问题都放在 Result 里；error 只表示会话故障。
type Handler interface {
	Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error)
}

// Idle 只读的短暂停留，视为已经满足要求。
// ReportSubmit 为 true 时检查页面上是否有提交按钮并提示手动处理。
type Idle struct {
	Reason       string
	ReportSubmit bool
}

// Handle 停留 idle_pause 后返回
func (h Idle) Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error) {
	if h.ReportSubmit {
		idx, err := p.FindText(ctx, nil, content.SelButton, content.SubmitNeedles...)
		if err != nil {
			return Result{}, err
		}
		if idx >= 0 {
			ctl.Log.Warn("检测到提交按钮，建议手动处理此题目")
		}
	}
	stopped, err := ctl.Pause(ctx, ctl.Timing.IdlePause)
	if err != nil {
		return Result{}, err
	}
	if stopped {
		return skipped("已请求停止"), nil
	}
	return skipped("%s", h.Reason), nil
}

// Table 页面类型到处理器的映射，未登记的类型交给 Unknown 的处理器
type Table map[classify.ContentType]Handler

// DefaultTable 默认映射
func DefaultTable() Table {
	return Table{
		classify.Video:                 Video{},
		classify.VocabularyFlashcards:  Flashcards{},
		classify.QuizFillInBlank:       FillInBlank{},
		classify.QuizTrueFalseNotGiven: Choice{Verdict: true},
		classify.QuizVocabularyChoice:  Choice{},
		classify.QuizRewriteSentence:   Essay{},
		classify.QuizTranslate:         Essay{Translate: true},
		classify.Reading:               Idle{Reason: "阅读页无需处理"},
		classify.RepeatingAfterMe:      Idle{Reason: "跟读需要录音，跳过"},
		classify.UnitProject:           Idle{Reason: "单元项目需要手动完成，跳过"},
		classify.Unknown:               Idle{Reason: "无法识别的页面类型", ReportSubmit: true},
	}
}

// For 取出处理器
func (t Table) For(ct classify.ContentType) Handler {
	if h, ok := t[ct]; ok {
		return h
	}
	if h, ok := t[classify.Unknown]; ok {
		return h
	}
	return Idle{Reason: "无法识别的页面类型"}
}

// Dispatch 运行对应的处理器并记录结果
func (t Table) Dispatch(ctx context.Context, ct classify.ContentType, p dom.Page, ctl *Controller) (Result, error) {
	ctl.Log.Info("开始处理", zap.Stringer("type", ct))
	r, err := t.For(ct).Handle(ctx, p, ctl)
	if err != nil {
		return r, err
	}
	ctl.Metrics.HandlerResult(ct.String(), string(r.Status))
	ctl.Log.Info("处理完成", zap.Stringer("type", ct), zap.String("result", r.Summary()))
	return r, nil
}

// LayoutOf 题目类页面对应的页面结构，其他类型返回 false
func LayoutOf(ct classify.ContentType) (content.Layout, bool) {
	switch ct {
	case classify.QuizFillInBlank:
		return content.BlankLayout, true
	case classify.QuizTrueFalseNotGiven, classify.QuizVocabularyChoice:
		return content.ChoiceLayout, true
	case classify.QuizRewriteSentence, classify.QuizTranslate:
		return content.EssayLayout, true
	}
	return content.Layout{}, false
}
