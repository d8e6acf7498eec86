package dom

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ClickFunc 静态文档上点击元素时执行的行为
type ClickFunc func(d *Document, target *goquery.Selection)

type clickBehaviour struct {
	selector string
	fn       ClickFunc
}

// Document 基于 goquery 的静态页面快照。
//
// 用于离线识别保存下来的页面，也作为测试夹具。静态文档没有脚本：
// 写入类操作直接修改节点树，Click 只记录点击并执行 OnClick 注册的行为；
// <iframe srcdoc> 被解析为嵌套文档；媒体状态取自
// data-current-time、data-duration 与 ended 属性。
type Document struct {
	mu        sync.Mutex
	doc       *goquery.Document
	url       string
	frames    map[*html.Node]*Document
	behaviour []clickBehaviour
	onBack    func(d *Document)
	clicks    []string
	backs     int
	parent    *Document
}

// NewDocument 解析 HTML
func NewDocument(r io.Reader, url string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	return &Document{doc: doc, url: url, frames: make(map[*html.Node]*Document)}, nil
}

// ParseHTML 解析 HTML 字符串
func ParseHTML(s string) (*Document, error) {
	return NewDocument(strings.NewReader(s), "about:blank")
}

// OnClick 注册点击行为：点击匹配 selector 的元素后调用 fn
func (d *Document) OnClick(selector string, fn ClickFunc) {
	r := d.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviour = append(r.behaviour, clickBehaviour{selector: selector, fn: fn})
}

// Clicks 返回点击记录（按时间顺序的定位路径）
func (d *Document) Clicks() []string {
	r := d.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.clicks...)
}

// Backs 返回后退次数
func (d *Document) Backs() int {
	r := d.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backs
}

// Selection 暴露根选择集，供调用方直接读取或改写
func (d *Document) Selection() *goquery.Selection {
	return d.doc.Selection
}

// HTML 序列化当前文档
func (d *Document) HTML() (string, error) {
	d.root().mu.Lock()
	defer d.root().mu.Unlock()
	return goquery.OuterHtml(d.doc.Selection)
}

// root 所有嵌套文档共用最外层的锁与点击记录
func (d *Document) root() *Document {
	r := d
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (d *Document) resolve(ref Ref) *goquery.Selection {
	sel := d.doc.Selection
	for _, step := range ref {
		sel = sel.Find(step.Selector).Eq(step.Index)
		if sel.Length() == 0 {
			return sel
		}
	}
	return sel
}

func (d *Document) lock() func() {
	r := d.root()
	r.mu.Lock()
	return r.mu.Unlock
}

// Count 统计匹配元素个数
func (d *Document) Count(_ context.Context, scope Ref, selector string) (int, error) {
	defer d.lock()()
	s := d.resolve(scope)
	if s.Length() == 0 {
		return 0, nil
	}
	return s.Find(selector).Length(), nil
}

// Texts 获取所有匹配元素文本
func (d *Document) Texts(_ context.Context, scope Ref, selector string) ([]string, error) {
	defer d.lock()()
	s := d.resolve(scope)
	out := []string{}
	if s.Length() == 0 {
		return out, nil
	}
	s.Find(selector).Each(func(_ int, el *goquery.Selection) {
		out = append(out, strings.TrimSpace(el.Text()))
	})
	return out, nil
}

// Text 获取元素文本
func (d *Document) Text(_ context.Context, ref Ref) (string, bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 {
		return "", false, nil
	}
	return strings.TrimSpace(s.Text()), true, nil
}

// Attr 获取元素属性
func (d *Document) Attr(_ context.Context, ref Ref, name string) (string, bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 {
		return "", false, nil
	}
	v, ok := s.Attr(name)
	return v, ok, nil
}

// Matches 判断元素自身是否匹配选择器
func (d *Document) Matches(_ context.Context, ref Ref, selector string) (bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	return s.Length() > 0 && s.Is(selector), nil
}

func isTextArea(s *goquery.Selection) bool {
	return goquery.NodeName(s) == "textarea"
}

// Value 读取表单控件值
func (d *Document) Value(_ context.Context, ref Ref) (string, bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 {
		return "", false, nil
	}
	if isTextArea(s) {
		return s.Text(), true, nil
	}
	if _, editable := s.Attr("contenteditable"); editable {
		return strings.TrimSpace(s.Text()), true, nil
	}
	return s.AttrOr("value", ""), true, nil
}

// SetValue 写入表单控件
func (d *Document) SetValue(_ context.Context, ref Ref, value string) (bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 {
		return false, nil
	}
	_, editable := s.Attr("contenteditable")
	switch {
	case isTextArea(s), editable:
		s.SetText(value)
	default:
		s.SetAttr("value", value)
	}
	return true, nil
}

// SetHTML 替换 innerHTML
func (d *Document) SetHTML(_ context.Context, ref Ref, content string) (bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 {
		return false, nil
	}
	s.SetHtml(content)
	return true, nil
}

// Click 记录点击并执行注册的行为
func (d *Document) Click(_ context.Context, ref Ref) (bool, error) {
	r := d.root()
	r.mu.Lock()
	s := d.resolve(ref)
	if s.Length() == 0 {
		r.mu.Unlock()
		return false, nil
	}
	r.clicks = append(r.clicks, ref.String())
	var fns []ClickFunc
	for _, b := range r.behaviour {
		if s.Is(b.selector) {
			fns = append(fns, b.fn)
		}
	}
	r.mu.Unlock()

	// 行为可能回调 Document 的方法，必须在锁外执行
	for _, fn := range fns {
		fn(d, s)
	}
	return true, nil
}

// FindText 按文本查找元素
func (d *Document) FindText(_ context.Context, scope Ref, selector string, needles ...string) (int, error) {
	defer d.lock()()
	s := d.resolve(scope)
	if s.Length() == 0 {
		return -1, nil
	}
	found := -1
	s.Find(selector).EachWithBreak(func(i int, el *goquery.Selection) bool {
		text := strings.TrimSpace(el.Text())
		for _, n := range needles {
			if strings.Contains(text, n) {
				found = i
				return false
			}
		}
		return true
	})
	return found, nil
}

// Media 读取媒体状态
func (d *Document) Media(_ context.Context, ref Ref) (Media, bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 {
		return Media{}, false, nil
	}
	name := goquery.NodeName(s)
	if name != "video" && name != "audio" {
		return Media{}, false, nil
	}
	m := Media{
		CurrentTime: attrFloat(s, "data-current-time"),
		Duration:    attrFloat(s, "data-duration"),
		Paused:      s.AttrOr("data-playback-rate", "") == "",
	}
	_, m.Ended = s.Attr("ended")
	return m, true, nil
}

func attrFloat(s *goquery.Selection, name string) float64 {
	v, err := strconv.ParseFloat(s.AttrOr(name, "0"), 64)
	if err != nil {
		return 0
	}
	return v
}

// PrepareMedia 把倍速与静音记录到属性上
func (d *Document) PrepareMedia(_ context.Context, ref Ref, rate float64, muted bool) (bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	name := goquery.NodeName(s)
	if s.Length() == 0 || (name != "video" && name != "audio") {
		return false, nil
	}
	s.SetAttr("data-playback-rate", strconv.FormatFloat(rate, 'f', -1, 64))
	if muted {
		s.SetAttr("muted", "")
	} else {
		s.RemoveAttr("muted")
	}
	return true, nil
}

// Frame 进入 srcdoc iframe，嵌套文档只解析一次，之后的修改会保留
func (d *Document) Frame(_ context.Context, ref Ref) (Page, bool, error) {
	defer d.lock()()
	s := d.resolve(ref)
	if s.Length() == 0 || goquery.NodeName(s) != "iframe" {
		return nil, false, nil
	}
	node := s.Get(0)
	if child, ok := d.frames[node]; ok {
		return child, true, nil
	}
	src, ok := s.Attr("srcdoc")
	if !ok {
		return nil, false, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, false, nil
	}
	child := &Document{doc: doc, url: "about:srcdoc", frames: make(map[*html.Node]*Document), parent: d}
	d.frames[node] = child
	return child, true, nil
}

// OnBack 注册后退行为，用于模拟返回上一页
func (d *Document) OnBack(fn func(d *Document)) {
	r := d.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBack = fn
}

// Back 静态文档没有历史记录，只计数并执行 OnBack 注册的行为
func (d *Document) Back(_ context.Context) error {
	r := d.root()
	r.mu.Lock()
	r.backs++
	fn := r.onBack
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
	return nil
}

// URL 文档地址
func (d *Document) URL(_ context.Context) (string, error) {
	return d.url, nil
}
