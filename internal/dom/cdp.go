package dom

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// prelude 所有脚本共用的定位函数。__args 由 Go 侧以 JSON 注入。
// frames 是逐层进入的 iframe 路径，每层都在上一层文档内解析。
const prelude = `
function __walk(root, path) {
	var el = root;
	path = path || [];
	for (var i = 0; i < path.length && el; i++) {
		el = el.querySelectorAll(path[i].s)[path[i].i] || null;
	}
	return el;
}
function __root() {
	var d = document;
	var fs = __args.frames || [];
	for (var i = 0; i < fs.length; i++) {
		var f = __walk(d, fs[i]);
		if (!f) return null;
		var cd = null;
		try { cd = f.contentDocument; } catch (e) { cd = null; }
		if (!cd) return null;
		d = cd;
	}
	return d;
}
function __resolve(path) {
	var d = __root();
	return d ? __walk(d, path) : null;
}
function __text(el) {
	var t = el.innerText;
	if (t === undefined || t === null) t = el.textContent;
	return (t || '').trim();
}
`

// CDP 通过 chromedp 执行 JS 访问真实页面
type CDP struct {
	tab    context.Context // chromedp 标签页 context
	frames []Ref
}

// NewCDP 基于 chromedp 标签页 context 创建 Page
func NewCDP(tab context.Context) *CDP {
	return &CDP{tab: tab}
}

// run 在标签页 context 中执行动作，调用方 ctx 取消时一并中止
func (p *CDP) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return sessionError(op, err)
	}
	return nil
}

// eval 执行一段脚本。body 内抛出的异常会被吞掉并返回 fallback，
// 所以 Evaluate 返回的错误只可能来自会话本身。
func (p *CDP) eval(ctx context.Context, op string, args map[string]any, body, fallback string, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	args["frames"] = p.frames
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("(function() {\nvar __args = ")
	b.Write(raw)
	b.WriteString(";\n")
	b.WriteString(prelude)
	b.WriteString("try {\n")
	b.WriteString(body)
	b.WriteString("\n} catch (e) { return ")
	b.WriteString(fallback)
	b.WriteString("; }\n})()")

	return p.run(ctx, op, chromedp.Evaluate(b.String(), out))
}

// Count 统计匹配元素个数
func (p *CDP) Count(ctx context.Context, scope Ref, selector string) (int, error) {
	var n int
	err := p.eval(ctx, "统计元素", map[string]any{"scope": scope, "sel": selector}, `
		var s = __resolve(__args.scope);
		return s ? s.querySelectorAll(__args.sel).length : 0;
	`, "0", &n)
	return n, err
}

// Texts 获取所有匹配元素文本
func (p *CDP) Texts(ctx context.Context, scope Ref, selector string) ([]string, error) {
	var out []string
	err := p.eval(ctx, "读取文本", map[string]any{"scope": scope, "sel": selector}, `
		var s = __resolve(__args.scope);
		if (!s) return [];
		return Array.from(s.querySelectorAll(__args.sel)).map(__text);
	`, "[]", &out)
	return out, err
}

type lookup struct {
	OK bool   `json:"ok"`
	V  string `json:"v"`
}

// Text 获取元素文本
func (p *CDP) Text(ctx context.Context, ref Ref) (string, bool, error) {
	var r lookup
	err := p.eval(ctx, "读取文本", map[string]any{"ref": ref}, `
		var el = __resolve(__args.ref);
		return el ? {ok: true, v: __text(el)} : {ok: false, v: ''};
	`, "{ok: false, v: ''}", &r)
	return r.V, r.OK, err
}

// Attr 获取元素属性
func (p *CDP) Attr(ctx context.Context, ref Ref, name string) (string, bool, error) {
	var r lookup
	err := p.eval(ctx, "读取属性", map[string]any{"ref": ref, "name": name}, `
		var el = __resolve(__args.ref);
		if (!el || !el.hasAttribute(__args.name)) return {ok: false, v: ''};
		return {ok: true, v: el.getAttribute(__args.name) || ''};
	`, "{ok: false, v: ''}", &r)
	return r.V, r.OK, err
}

// Matches 判断元素自身是否匹配选择器
func (p *CDP) Matches(ctx context.Context, ref Ref, selector string) (bool, error) {
	var ok bool
	err := p.eval(ctx, "匹配元素", map[string]any{"ref": ref, "sel": selector}, `
		var el = __resolve(__args.ref);
		return !!(el && el.matches && el.matches(__args.sel));
	`, "false", &ok)
	return ok, err
}

// Value 读取表单控件值
func (p *CDP) Value(ctx context.Context, ref Ref) (string, bool, error) {
	var r lookup
	err := p.eval(ctx, "读取输入框", map[string]any{"ref": ref}, `
		var el = __resolve(__args.ref);
		if (!el) return {ok: false, v: ''};
		if (el.isContentEditable) return {ok: true, v: __text(el)};
		return {ok: true, v: el.value === undefined ? '' : String(el.value)};
	`, "{ok: false, v: ''}", &r)
	return r.V, r.OK, err
}

// SetValue 写入表单控件。使用原型上的 value setter，兼容 React 受控组件。
func (p *CDP) SetValue(ctx context.Context, ref Ref, value string) (bool, error) {
	var ok bool
	err := p.eval(ctx, "填写输入框", map[string]any{"ref": ref, "value": value}, `
		var el = __resolve(__args.ref);
		if (!el) return false;
		if (typeof el.focus === 'function') el.focus();
		if (el.isContentEditable) {
			el.innerText = __args.value;
		} else {
			var desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value');
			var set = function(v) {
				if (desc && desc.set) { desc.set.call(el, v); } else { el.value = v; }
			};
			set('');
			el.dispatchEvent(new Event('input', { bubbles: true }));
			set(__args.value);
		}
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		el.dispatchEvent(new Event('blur', { bubbles: true }));
		return true;
	`, "false", &ok)
	return ok, err
}

// SetHTML 替换 innerHTML
func (p *CDP) SetHTML(ctx context.Context, ref Ref, html string) (bool, error) {
	var ok bool
	err := p.eval(ctx, "写入内容", map[string]any{"ref": ref, "html": html}, `
		var el = __resolve(__args.ref);
		if (!el) return false;
		el.innerHTML = __args.html;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;
	`, "false", &ok)
	return ok, err
}

// Click 点击元素
func (p *CDP) Click(ctx context.Context, ref Ref) (bool, error) {
	var ok bool
	err := p.eval(ctx, "点击元素", map[string]any{"ref": ref}, `
		var el = __resolve(__args.ref);
		if (!el) return false;
		if (el.scrollIntoView) el.scrollIntoView({block: 'center'});
		el.click();
		return true;
	`, "false", &ok)
	return ok, err
}

// FindText 按文本查找元素
func (p *CDP) FindText(ctx context.Context, scope Ref, selector string, needles ...string) (int, error) {
	idx := -1
	err := p.eval(ctx, "按文本查找", map[string]any{"scope": scope, "sel": selector, "needles": needles}, `
		var s = __resolve(__args.scope);
		if (!s) return -1;
		var list = s.querySelectorAll(__args.sel);
		var needles = __args.needles || [];
		for (var i = 0; i < list.length; i++) {
			var t = __text(list[i]);
			for (var j = 0; j < needles.length; j++) {
				if (t.indexOf(needles[j]) !== -1) return i;
			}
		}
		return -1;
	`, "-1", &idx)
	return idx, err
}

// Media 读取媒体状态
func (p *CDP) Media(ctx context.Context, ref Ref) (Media, bool, error) {
	var r struct {
		OK bool `json:"ok"`
		Media
	}
	err := p.eval(ctx, "读取媒体状态", map[string]any{"ref": ref}, `
		var el = __resolve(__args.ref);
		if (!el || typeof el.currentTime !== 'number') return {ok: false};
		return {
			ok: true,
			currentTime: el.currentTime || 0,
			duration: isFinite(el.duration) ? el.duration : 0,
			ended: !!el.ended,
			paused: !!el.paused
		};
	`, "{ok: false}", &r)
	return r.Media, r.OK, err
}

// PrepareMedia 倍速静音播放
func (p *CDP) PrepareMedia(ctx context.Context, ref Ref, rate float64, muted bool) (bool, error) {
	var ok bool
	err := p.eval(ctx, "设置媒体", map[string]any{"ref": ref, "rate": rate, "muted": muted}, `
		var el = __resolve(__args.ref);
		if (!el || typeof el.play !== 'function') return false;
		el.muted = __args.muted;
		el.playbackRate = __args.rate;
		var pr = el.play();
		if (pr && pr.catch) pr.catch(function() {});
		return true;
	`, "false", &ok)
	return ok, err
}

// Frame 进入同源 iframe
func (p *CDP) Frame(ctx context.Context, ref Ref) (Page, bool, error) {
	var ok bool
	err := p.eval(ctx, "进入 iframe", map[string]any{"ref": ref}, `
		var el = __resolve(__args.ref);
		if (!el) return false;
		try { return !!el.contentDocument; } catch (e) { return false; }
	`, "false", &ok)
	if err != nil || !ok {
		return nil, false, err
	}
	frames := make([]Ref, 0, len(p.frames)+1)
	frames = append(frames, p.frames...)
	frames = append(frames, ref)
	return &CDP{tab: p.tab, frames: frames}, true, nil
}

// Back 后退到上一条历史记录，已经在第一条时什么也不做
func (p *CDP) Back(ctx context.Context) error {
	return p.run(ctx, "后退", chromedp.ActionFunc(func(ctx context.Context) error {
		cur, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		if cur <= 0 || int(cur) > len(entries)-1 {
			return nil
		}
		return page.NavigateToHistoryEntry(entries[cur-1].ID).Do(ctx)
	}))
}

// URL 当前页面地址
func (p *CDP) URL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, "读取地址", chromedp.Location(&u))
	return u, err
}

// Navigate 打开地址
func (p *CDP) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, "打开页面", chromedp.Navigate(url))
}
