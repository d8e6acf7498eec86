package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"ucampus/internal/answer"
	"ucampus/internal/dom"
	"ucampus/internal/metrics"
)

// Outcome 单个控件的写入结果
type Outcome string

const (
	Written Outcome = "written"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// FieldResult 一个控件的写入记录
type FieldResult struct {
	Question int     `json:"question"`
	Field    int     `json:"field"`
	Outcome  Outcome `json:"outcome"`
	Value    string  `json:"value,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Count 统计某种结果的数量
func Count(results []FieldResult, o Outcome) int {
	n := 0
	for _, r := range results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Injector 把答案写回页面。每个控件都在写入前重新定位，单个控件失败不影响其余控件。
type Injector struct {
	log     *zap.Logger
	metrics *metrics.Collector
	policy  *bluemonday.Policy
}

// NewInjector 创建注入器，m 可以为 nil
func NewInjector(log *zap.Logger, m *metrics.Collector) *Injector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Injector{log: log, metrics: m, policy: bluemonday.StrictPolicy()}
}

func (in *Injector) record(results []FieldResult, r FieldResult) []FieldResult {
	in.metrics.FieldInjected(string(r.Outcome))
	if r.Outcome != Written {
		in.log.Warn("控件未写入",
			zap.Int("question", r.Question+1),
			zap.Int("field", r.Field+1),
			zap.String("outcome", string(r.Outcome)),
			zap.String("reason", r.Reason))
	}
	return append(results, r)
}

// Fill 按题目顺序写入答案。
// 每题最多写入 min(len(group), len(fields)) 个值，多出的控件保持原值，多出的答案丢弃。
// error 只在会话故障时返回，此时 results 包含已完成的部分。
func (in *Injector) Fill(ctx context.Context, p dom.Page, layout Layout, table answer.Table) ([]FieldResult, error) {
	var results []FieldResult
	containers, err := p.Count(ctx, nil, layout.Containers)
	if err != nil {
		return results, err
	}
	for i, group := range table {
		if i >= containers {
			results = in.record(results, FieldResult{Question: i, Outcome: Skipped, Reason: "页面上没有对应的题目"})
			continue
		}
		scope := dom.Nth(layout.Containers, i)
		fields, err := p.Count(ctx, scope, layout.Field)
		if err != nil {
			return results, err
		}
		for j, value := range group {
			if j >= fields {
				break
			}
			ref := scope.Find(layout.Field, j)
			r, err := in.write(ctx, p, ref, value)
			if err != nil {
				return results, err
			}
			r.Question, r.Field = i, j
			results = in.record(results, r)
		}
	}
	return results, nil
}

func (in *Injector) write(ctx context.Context, p dom.Page, ref dom.Ref, value string) (FieldResult, error) {
	if value == "" {
		return FieldResult{Outcome: Skipped, Reason: "答案为空"}, nil
	}
	rich, err := p.Matches(ctx, ref, "[contenteditable]")
	if err != nil {
		return FieldResult{}, err
	}
	var ok bool
	if rich {
		ok, err = p.SetHTML(ctx, ref, in.policy.Sanitize(value))
	} else {
		ok, err = p.SetValue(ctx, ref, value)
	}
	if err != nil {
		return FieldResult{}, err
	}
	if !ok {
		return FieldResult{Outcome: Failed, Reason: fmt.Sprintf("控件 %s 已失效", ref)}, nil
	}
	return FieldResult{Outcome: Written, Value: value}, nil
}

// Choose 为每道题点击一个选项。
// 优先按选项上的字母标签匹配，其次按选项文本，页面没有字母标签时才按位置推算。
// 无法对应的题目记为 Skipped。
func (in *Injector) Choose(ctx context.Context, p dom.Page, layout Layout, picks []answer.Pick) ([]FieldResult, error) {
	var results []FieldResult
	containers, err := p.Count(ctx, nil, layout.Containers)
	if err != nil {
		return results, err
	}
	for i, pick := range picks {
		if i >= containers {
			results = in.record(results, FieldResult{Question: i, Outcome: Skipped, Reason: "页面上没有对应的题目"})
			continue
		}
		if !pick.Valid() {
			results = in.record(results, FieldResult{Question: i, Outcome: Skipped, Reason: "答案无法解析"})
			continue
		}
		scope := dom.Nth(layout.Containers, i)
		idx, err := in.locate(ctx, p, layout, scope, pick)
		if err != nil {
			return results, err
		}
		if idx < 0 {
			results = in.record(results, FieldResult{Question: i, Outcome: Skipped, Reason: fmt.Sprintf("没有与 %q 对应的选项", pickLabel(pick))})
			continue
		}
		ok, err := p.Click(ctx, scope.Find(layout.Option, idx))
		if err != nil {
			return results, err
		}
		r := FieldResult{Question: i, Field: idx, Outcome: Written, Value: pickLabel(pick)}
		if !ok {
			r.Outcome, r.Reason = Failed, "选项已失效"
		}
		results = in.record(results, r)
	}
	return results, nil
}

func pickLabel(p answer.Pick) string {
	if p.Letter != "" {
		return p.Letter
	}
	return p.Text
}

func (in *Injector) locate(ctx context.Context, p dom.Page, layout Layout, scope dom.Ref, pick answer.Pick) (int, error) {
	n, err := p.Count(ctx, scope, layout.Option)
	if err != nil || n == 0 {
		return -1, err
	}
	labelled := false
	textMatch := -1
	for j := 0; j < n; j++ {
		opt := scope.Find(layout.Option, j)
		if layout.OptionIndex != "" {
			label, ok, err := p.Text(ctx, opt.Find(layout.OptionIndex, 0))
			if err != nil {
				return -1, err
			}
			if ok {
				if l, ok := answer.Letter(label); ok {
					labelled = true
					if pick.Letter != "" && l == pick.Letter {
						return j, nil
					}
				}
			}
		}
		if textMatch < 0 && pick.Text != "" {
			text, err := optionText(ctx, p, layout, opt)
			if err != nil {
				return -1, err
			}
			if strings.EqualFold(text, dom.NormalizeText(pick.Text)) {
				textMatch = j
			}
		}
	}
	if textMatch >= 0 {
		return textMatch, nil
	}
	if pick.Letter != "" && !labelled {
		if idx := int(pick.Letter[0] - 'A'); idx < n {
			return idx, nil
		}
	}
	return -1, nil
}

func optionText(ctx context.Context, p dom.Page, layout Layout, opt dom.Ref) (string, error) {
	if layout.OptionContent != "" {
		text, ok, err := p.Text(ctx, opt.Find(layout.OptionContent, 0))
		if err != nil || ok {
			return dom.NormalizeText(text), err
		}
	}
	text, _, err := p.Text(ctx, opt)
	return dom.NormalizeText(text), err
}
