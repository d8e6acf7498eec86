package classify

import (
	"context"
	"fmt"
	"time"

	"ucampus/internal/content"
	"ucampus/internal/dom"
)

// ContentType 页面内容类型
type ContentType int

const (
	Unknown ContentType = iota
	Video
	VocabularyFlashcards
	QuizTrueFalseNotGiven
	QuizFillInBlank
	QuizVocabularyChoice
	QuizRewriteSentence
	QuizTranslate
	Reading
	RepeatingAfterMe
	UnitProject
)

var typeNames = [...]string{
	Unknown:               "Unknown",
	Video:                 "Video",
	VocabularyFlashcards:  "VocabularyFlashcards",
	QuizTrueFalseNotGiven: "QuizTrueFalseNotGiven",
	QuizFillInBlank:       "QuizFillInBlank",
	QuizVocabularyChoice:  "QuizVocabularyChoice",
	QuizRewriteSentence:   "QuizRewriteSentence",
	QuizTranslate:         "QuizTranslate",
	Reading:               "Reading",
	RepeatingAfterMe:      "RepeatingAfterMe",
	UnitProject:           "UnitProject",
}

func (t ContentType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("ContentType(%d)", int(t))
	}
	return typeNames[t]
}

// MarshalText 状态接口里以名称输出
func (t ContentType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseContentType 按名称解析
func ParseContentType(s string) (ContentType, bool) {
	for i, name := range typeNames {
		if name == s {
			return ContentType(i), true
		}
	}
	return Unknown, false
}

// Types 全部类型
func Types() []ContentType {
	out := make([]ContentType, len(typeNames))
	for i := range typeNames {
		out[i] = ContentType(i)
	}
	return out
}

// Predicate 只读的页面判断。元素不存在返回 false，error 只表示会话故障。
type Predicate func(ctx context.Context, p dom.Page) (bool, error)

// Rule 一条识别规则
type Rule struct {
	Name  string
	Type  ContentType
	Match Predicate
}

// DefaultRules 默认规则，顺序即优先级。
// 视频元素最明确，放在最前；词库是选词填空的强标志，排在通用选择题前；
// 判断题和选择题共用单选框，判断题需要额外的 "Not Given" 选项，因此排在前面；
// 翻译和改写共用文本框，翻译靠说明文字区分；
// 只有下一页按钮的阅读页优先级最低。
func DefaultRules() []Rule {
	return []Rule{
		{Name: "video", Type: Video, Match: Any(Selector(content.SelVideo), InFrame(content.SelFrame, Selector(content.SelVideo)))},
		{Name: "flashcards", Type: VocabularyFlashcards, Match: Selector(content.SelFlashcard)},
		{Name: "word-bank", Type: QuizFillInBlank, Match: Selector(content.SelWordBank)},
		{Name: "true-false-not-given", Type: QuizTrueFalseNotGiven, Match: All(Selector(content.SelChoiceInput), TextIn(content.ChoiceLayout.Containers, content.NotGivenNeedles...))},
		{Name: "choice", Type: QuizVocabularyChoice, Match: Selector(content.SelChoiceInput)},
		{Name: "translate", Type: QuizTranslate, Match: All(Selector(content.SelEssayField), TextIn(content.SelInstruction, content.TranslateNeedles...))},
		{Name: "rewrite", Type: QuizRewriteSentence, Match: Selector(content.SelEssayField)},
		{Name: "inline-blanks", Type: QuizFillInBlank, Match: Selector(content.SelBlankInput)},
		{Name: "repeat-after-me", Type: RepeatingAfterMe, Match: Selector(content.SelRecorder)},
		{Name: "unit-project", Type: UnitProject, Match: Selector(content.SelUnitProject)},
		{Name: "reading", Type: Reading, Match: Any(Selector(content.SelReading), TextIn(content.SelButton, content.NextNeedles...))},
	}
}

// InsertBefore 把 r 插到名为 name 的规则之前；找不到时追加到末尾
func InsertBefore(rules []Rule, name string, r Rule) []Rule {
	out := make([]Rule, 0, len(rules)+1)
	inserted := false
	for _, existing := range rules {
		if !inserted && existing.Name == name {
			out = append(out, r)
			inserted = true
		}
		out = append(out, existing)
	}
	if !inserted {
		out = append(out, r)
	}
	return out
}

// Classifier 按顺序评估规则的页面识别器
type Classifier struct {
	rules  []Rule
	settle time.Duration
}

// New 创建识别器，rules 为空时使用默认规则
func New(settle time.Duration, rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules, settle: settle}
}

// Rules 当前规则（副本）
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

func (c *Classifier) wait(ctx context.Context) error {
	if c.settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settle):
		return nil
	}
}

// Classify 等待页面稳定后返回第一条命中规则的类型，全部未命中为 Unknown
func (c *Classifier) Classify(ctx context.Context, p dom.Page) (ContentType, error) {
	if err := c.wait(ctx); err != nil {
		return Unknown, err
	}
	for _, r := range c.rules {
		ok, err := r.Match(ctx, p)
		if err != nil {
			return Unknown, fmt.Errorf("规则 %s: %w", r.Name, err)
		}
		if ok {
			return r.Type, nil
		}
	}
	return Unknown, nil
}

// Match 一条命中的规则
type Match struct {
	Rule string      `json:"rule"`
	Type ContentType `json:"type"`
}

// Explain 评估全部规则并返回所有命中项，用于诊断优先级问题
func (c *Classifier) Explain(ctx context.Context, p dom.Page) ([]Match, error) {
	var out []Match
	for _, r := range c.rules {
		ok, err := r.Match(ctx, p)
		if err != nil {
			return out, fmt.Errorf("规则 %s: %w", r.Name, err)
		}
		if ok {
			out = append(out, Match{Rule: r.Name, Type: r.Type})
		}
	}
	return out, nil
}
