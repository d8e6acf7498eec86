package dom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `<html><body>
<div class="ques-wrapper">
  <p>1. I like <input type="text" value="old"> very much.</p>
  <p>2. She <input type="text"> and <input type="text"> daily.</p>
  <textarea class="essay">draft</textarea>
</div>
<button class="btn"><span>下一页</span></button>
<button class="btn">Submit</button>
<video data-duration="120" data-current-time="30"></video>
<iframe class="player" srcdoc='<div class="inner"><video data-duration="10"></video></div>'></iframe>
<iframe class="remote" src="https://example.com"></iframe>
</body></html>`

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	d, err := ParseHTML(s)
	require.NoError(t, err)
	return d
}

func TestRefString(t *testing.T) {
	assert.Equal(t, "document", Ref(nil).String())
	r := Nth("p", 1).Find("input", 0)
	assert.Equal(t, "p[1] > input[0]", r.String())

	// Find 不能改写原路径
	base := Nth("p", 0)
	a := base.Find("input", 0)
	b := base.Find("input", 1)
	assert.Equal(t, 0, a[1].Index)
	assert.Equal(t, 1, b[1].Index)
	assert.Len(t, base, 1)
}

func TestDocumentQueries(t *testing.T) {
	ctx := context.Background()
	d := mustParse(t, fixture)

	n, err := d.Count(ctx, nil, "div.ques-wrapper p")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.Count(ctx, Nth("div.ques-wrapper p", 1), "input")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = d.Count(ctx, Nth("div.ques-wrapper p", 9), "input")
	require.NoError(t, err)
	assert.Zero(t, n, "不存在的容器不是错误")

	texts, err := d.Texts(ctx, nil, "div.ques-wrapper p")
	require.NoError(t, err)
	assert.Equal(t, []string{"1. I like  very much.", "2. She  and  daily."}, texts)

	_, ok, err := d.Text(ctx, Nth("section", 0))
	require.NoError(t, err)
	assert.False(t, ok)

	idx, err := d.FindText(ctx, nil, "button", "Next", "下一页")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = d.FindText(ctx, nil, "button", "提交")
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	ok, err = d.Matches(ctx, Nth("button", 1), ".btn")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDocumentValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := mustParse(t, fixture)

	in := Nth("div.ques-wrapper p", 0).Find("input", 0)
	v, ok, err := d.Value(ctx, in)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", v)

	ok, err = d.SetValue(ctx, in, "new")
	require.NoError(t, err)
	require.True(t, ok)
	v, _, _ = d.Value(ctx, in)
	assert.Equal(t, "new", v)

	area := Nth("textarea.essay", 0)
	_, err = d.SetValue(ctx, area, "final text")
	require.NoError(t, err)
	v, _, _ = d.Value(ctx, area)
	assert.Equal(t, "final text", v)

	ok, err = d.SetValue(ctx, Nth("input.missing", 0), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocumentMediaAndFrames(t *testing.T) {
	ctx := context.Background()
	d := mustParse(t, fixture)

	m, ok, err := d.Media(ctx, Nth("video", 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 120.0, m.Duration)
	assert.Equal(t, 30.0, m.CurrentTime)
	assert.False(t, m.Ended)

	_, ok, _ = d.Media(ctx, Nth("button", 0))
	assert.False(t, ok, "非媒体元素")

	ok, err = d.PrepareMedia(ctx, Nth("video", 0), 16, true)
	require.NoError(t, err)
	require.True(t, ok)
	rate, _, _ := d.Attr(ctx, Nth("video", 0), "data-playback-rate")
	assert.Equal(t, "16", rate)

	frame, ok, err := d.Frame(ctx, Nth("iframe.player", 0))
	require.NoError(t, err)
	require.True(t, ok)
	n, _ := frame.Count(ctx, nil, "div.inner video")
	assert.Equal(t, 1, n)

	// 修改嵌套文档后再次进入，修改仍在
	_, err = frame.PrepareMedia(ctx, Nth("video", 0), 8, true)
	require.NoError(t, err)
	again, _, _ := d.Frame(ctx, Nth("iframe.player", 0))
	rate, _, _ = again.Attr(ctx, Nth("video", 0), "data-playback-rate")
	assert.Equal(t, "8", rate)

	_, ok, err = d.Frame(ctx, Nth("iframe.remote", 0))
	require.NoError(t, err)
	assert.False(t, ok, "没有 srcdoc 的 frame 无法进入")
}

func TestDocumentClickBehaviour(t *testing.T) {
	ctx := context.Background()
	d := mustParse(t, `<ul><li class="tab">a</li><li class="tab">b</li></ul><div id="content">start</div>`)

	d.OnClick("li.tab", func(doc *Document, target *goquery.Selection) {
		doc.Selection().Find("#content").SetText("clicked " + target.Text())
	})

	ok, err := d.Click(ctx, Nth("li.tab", 1))
	require.NoError(t, err)
	require.True(t, ok)

	text, _, _ := d.Text(ctx, Nth("#content", 0))
	assert.Equal(t, "clicked b", text)
	assert.Equal(t, []string{"li.tab[1]"}, d.Clicks())

	ok, _ = d.Click(ctx, Nth("li.tab", 5))
	assert.False(t, ok)
	assert.Len(t, d.Clicks(), 1)

	require.NoError(t, d.Back(ctx))
	assert.Equal(t, 1, d.Backs())
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	d := mustParse(t, fixture)

	ok, err := WaitFor(ctx, d, "video", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	start := time.Now()
	ok, err = WaitFor(ctx, d, "div.instruction", 30*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "超时只返回 false")
	assert.Less(t, time.Since(start), time.Second)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = WaitFor(cancelled, d, "div.instruction", time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrSession)
}

func TestParseCookies(t *testing.T) {
	cookies := ParseCookies("a=1; b = two ;broken; c=x=y")
	require.Len(t, cookies, 3)
	assert.Equal(t, "a", cookies[0].Name)
	assert.Equal(t, "two", cookies[1].Value)
	assert.Equal(t, "x=y", cookies[2].Value)
}

func TestFetchAndOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "42" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`<html><body><video></video></body></html>`))
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.URL, "sid=42", time.Second)
	require.NoError(t, err)
	doc, err := Open(context.Background(), f, srv.URL+"/page")
	require.NoError(t, err)
	ok, _ := Exists(context.Background(), doc, "video")
	assert.True(t, ok)

	_, err = Open(context.Background(), nil, srv.URL)
	assert.Error(t, err, "没有 cookie 时服务端拒绝")

	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))
	doc, err = Open(context.Background(), nil, path)
	require.NoError(t, err)
	u, _ := doc.URL(context.Background())
	assert.Equal(t, "file://"+path, u)
}
