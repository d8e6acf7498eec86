package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSession 浏览器会话本身不可用（进程退出、调试端口断开、context 取消）
var ErrSession = errors.New("浏览器会话不可用")

// sessionError 包装底层错误，使调用方可以用 errors.Is(err, ErrSession) 判断
func sessionError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrSession, err)
}

// Step 定位路径中的一步：在当前节点下按 CSS 选择器查找，取第 Index 个匹配
type Step struct {
	Selector string `json:"s"`
	Index    int    `json:"i"`
}

// Ref 元素定位路径。每次调用都重新解析，不保留任何元素句柄，
// 页面跳转或重新渲染后依旧有效（只要同样的位置上还有元素）。
type Ref []Step

// Nth 文档中第 index 个匹配 selector 的元素
func Nth(selector string, index int) Ref {
	return Ref{{Selector: selector, Index: index}}
}

// Find 在 r 指向的元素内部继续定位
func (r Ref) Find(selector string, index int) Ref {
	out := make(Ref, 0, len(r)+1)
	out = append(out, r...)
	return append(out, Step{Selector: selector, Index: index})
}

func (r Ref) String() string {
	if len(r) == 0 {
		return "document"
	}
	parts := make([]string, len(r))
	for i, s := range r {
		parts[i] = fmt.Sprintf("%s[%d]", s.Selector, s.Index)
	}
	return strings.Join(parts, " > ")
}

// Media 媒体元素的播放状态
type Media struct {
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	Ended       bool    `json:"ended"`
	Paused      bool    `json:"paused"`
}

// Page 对当前页面 DOM 的安全访问。
//
// 元素不存在不是错误：查询返回零值，动作返回 false。
// 返回的 error 只表示会话级故障，并且总是包装了 ErrSession。
// scope 为 nil 时表示整个文档。
type Page interface {
	// Count 统计 scope 内匹配 selector 的元素个数
	Count(ctx context.Context, scope Ref, selector string) (int, error)
	// Texts 返回 scope 内所有匹配元素去除首尾空白后的文本
	Texts(ctx context.Context, scope Ref, selector string) ([]string, error)
	// Text 返回元素文本
	Text(ctx context.Context, ref Ref) (string, bool, error)
	// Attr 返回元素属性
	Attr(ctx context.Context, ref Ref, name string) (string, bool, error)
	// Matches 元素自身是否匹配 selector
	Matches(ctx context.Context, ref Ref, selector string) (bool, error)
	// Value 读取表单控件的值
	Value(ctx context.Context, ref Ref) (string, bool, error)
	// SetValue 清空后写入表单控件，并触发 input/change 事件
	SetValue(ctx context.Context, ref Ref, value string) (bool, error)
	// SetHTML 替换元素的 innerHTML（富文本编辑区）
	SetHTML(ctx context.Context, ref Ref, html string) (bool, error)
	// Click 滚动到元素并点击
	Click(ctx context.Context, ref Ref) (bool, error)
	// FindText 返回 scope 内第一个文本包含任一 needle 的 selector 匹配元素的下标，没有则为 -1
	FindText(ctx context.Context, scope Ref, selector string, needles ...string) (int, error)
	// Media 读取媒体元素播放状态
	Media(ctx context.Context, ref Ref) (Media, bool, error)
	// PrepareMedia 设置播放倍速、静音并开始播放
	PrepareMedia(ctx context.Context, ref Ref, rate float64, muted bool) (bool, error)
	// Frame 进入内嵌的 iframe，返回以该 frame 文档为根的 Page；跨域或不存在时 ok 为 false
	Frame(ctx context.Context, ref Ref) (Page, bool, error)
	// Back 浏览器后退
	Back(ctx context.Context) error
	// URL 当前地址
	URL(ctx context.Context) (string, error)
}

// Exists 判断 selector 是否至少匹配一个元素
func Exists(ctx context.Context, p Page, selector string) (bool, error) {
	n, err := p.Count(ctx, nil, selector)
	return n > 0, err
}

// WaitFor 在 timeout 内轮询 selector，出现即返回 true；超时返回 false 而不是错误
func WaitFor(ctx context.Context, p Page, selector string, timeout, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := Exists(ctx, p, selector)
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, sessionError("等待元素", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// NormalizeText 压缩连续空白
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
