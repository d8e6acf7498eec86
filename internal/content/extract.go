// Package content 从题目页面提取内容并把答案写回页面
package content

import (
	"context"
	"regexp"
	"time"

	"ucampus/internal/dom"
)

// Snapshot 一次提取得到的页面内容，只在当前处理过程中使用
type Snapshot struct {
	Instruction string     `json:"instruction"`
	Questions   []string   `json:"questions"`
	Options     []string   `json:"options,omitempty"`
	Choices     [][]string `json:"choices,omitempty"`
	BlankCounts []int      `json:"blankCounts"`
}

var numberingPattern = regexp.MustCompile(`^\s*[(（]?\d+\s*[.．、)）]\s*`)

// StripNumbering 去掉题干开头的 "1."、"12、"、"(3)" 之类编号
func StripNumbering(s string) string {
	return numberingPattern.ReplaceAllString(s, "")
}

// Extractor 内容提取器
type Extractor struct {
	wait     time.Duration
	interval time.Duration
}

// NewExtractor wait 是每个区域的最长等待时间
func NewExtractor(wait, interval time.Duration) *Extractor {
	return &Extractor{wait: wait, interval: interval}
}

// Extract 提取说明、题干、词库与选项。
// 某个区域等待超时只会让对应字段为空，不算失败；error 只表示会话故障。
func (e *Extractor) Extract(ctx context.Context, p dom.Page, layout Layout) (Snapshot, error) {
	var s Snapshot

	texts, err := e.texts(ctx, p, SelInstruction)
	if err != nil {
		return s, err
	}
	if len(texts) > 0 {
		s.Instruction = texts[0]
	}

	if s.Questions, err = e.questions(ctx, p, layout); err != nil {
		return s, err
	}

	if layout.Bank != "" {
		if s.Options, err = e.texts(ctx, p, layout.Bank); err != nil {
			return s, err
		}
	}
	if layout.Option != "" {
		if s.Choices, err = e.choices(ctx, p, layout); err != nil {
			return s, err
		}
	}

	s.BlankCounts, err = BlankCounts(ctx, p, layout, len(s.Questions))
	return s, err
}

// questions 按容器逐个读取题干，保证第 i 道题就是第 i 个容器。
// 页面上没有容器时退回到 layout.Questions，只用于展示题目。
func (e *Extractor) questions(ctx context.Context, p dom.Page, layout Layout) ([]string, error) {
	texts, err := e.texts(ctx, p, layout.Questions)
	if err != nil {
		return nil, err
	}
	n, err := p.Count(ctx, nil, layout.Containers)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var out []string
		for _, t := range texts {
			if q := StripNumbering(t); q != "" {
				out = append(out, q)
			}
		}
		return out, nil
	}

	out := make([]string, n)
	for i := range out {
		ref := dom.Nth(layout.Containers, i)
		if layout.Title != "" {
			ref = ref.Find(layout.Title, 0)
		}
		text, _, err := p.Text(ctx, ref)
		if err != nil {
			return nil, err
		}
		// 空题干也保留，否则后面的题号会错位
		out[i] = StripNumbering(dom.NormalizeText(text))
	}
	return out, nil
}

// texts 等待 selector 出现后读取非空文本
func (e *Extractor) texts(ctx context.Context, p dom.Page, selector string) ([]string, error) {
	ok, err := dom.WaitFor(ctx, p, selector, e.wait, e.interval)
	if err != nil || !ok {
		return nil, err
	}
	raw, err := p.Texts(ctx, nil, selector)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = dom.NormalizeText(t); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (e *Extractor) choices(ctx context.Context, p dom.Page, layout Layout) ([][]string, error) {
	n, err := p.Count(ctx, nil, layout.Containers)
	if err != nil {
		return nil, err
	}
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		scope := dom.Nth(layout.Containers, i)
		sel := layout.Option
		if layout.OptionContent != "" {
			c, err := p.Count(ctx, scope, layout.OptionContent)
			if err != nil {
				return nil, err
			}
			if c > 0 {
				sel = layout.OptionContent
			}
		}
		texts, err := p.Texts(ctx, scope, sel)
		if err != nil {
			return nil, err
		}
		for _, t := range texts {
			out[i] = append(out[i], dom.NormalizeText(t))
		}
	}
	return out, nil
}

// BlankCounts 每道题的空位数。能找到的题目容器少于 questions 时，统一按每题一空处理。
func BlankCounts(ctx context.Context, p dom.Page, layout Layout, questions int) ([]int, error) {
	counts := make([]int, questions)
	containers, err := p.Count(ctx, nil, layout.Containers)
	if err != nil {
		return nil, err
	}
	if containers < questions {
		for i := range counts {
			counts[i] = 1
		}
		return counts, nil
	}
	for i := range counts {
		n, err := p.Count(ctx, dom.Nth(layout.Containers, i), layout.Field)
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}
	return counts, nil
}
