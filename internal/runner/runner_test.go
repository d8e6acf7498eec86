package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ucampus/internal/classify"
	"ucampus/internal/config"
	"ucampus/internal/dom"
	"ucampus/internal/handlers"
	"ucampus/internal/models"
)

const coursePage = `<html><body>
<div class="slider-menu-container">
  <div class="pc-slider-menu-micro" data-unit="1">Unit 1 Reading</div>
  <div class="pc-slider-menu-micro" data-unit="2">Unit 1 Practice <i class="icon-finished"></i></div>
</div>
<div id="content"></div>
</body></html>`

var unitContent = map[string]string{
	"1": `<div class="article-content"><p>Some article text.</p></div>`,
	"2": `<div class="ques-wrapper">
  <p>1. The sky is <input type="text"></p>
  <p>2. Grass is <input type="text"></p>
</div>`,
}

type stubOracle struct {
	mu      sync.Mutex
	text    string
	prompts []string
}

func (s *stubOracle) Name() string { return "stub" }

func (s *stubOracle) Ask(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return s.text, nil
}

type selector struct {
	oracle models.Oracle
	err    error
}

func (s selector) Select(name string) (models.Oracle, error) {
	if name == "missing" {
		return nil, fmt.Errorf("模型 %s 不存在", name)
	}
	return s.oracle, s.err
}

type session struct {
	page   dom.Page
	closed atomic.Bool
}

func (s *session) Page() dom.Page { return s.page }

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// brokenPage 模拟调试端口断开
type brokenPage struct{ dom.Page }

func (brokenPage) Count(context.Context, dom.Ref, string) (int, error) {
	return 0, fmt.Errorf("count: %w", dom.ErrSession)
}

// staleOncePage 第一次点击时目标已经从页面上消失
type staleOncePage struct {
	*dom.Document
	stale atomic.Bool
}

func (p *staleOncePage) Click(ctx context.Context, ref dom.Ref) (bool, error) {
	if p.stale.CompareAndSwap(false, true) {
		return false, nil
	}
	return p.Document.Click(ctx, ref)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timing = config.TimingConfig{
		SettleDelay:     time.Millisecond,
		NavigationDelay: time.Millisecond,
		ElementWait:     20 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		VideoCeiling:    50 * time.Millisecond,
		CardInterval:    time.Millisecond,
		IdlePause:       5 * time.Millisecond,
		SubmitDelay:     time.Millisecond,
	}
	return cfg
}

func newCourse(t *testing.T) *dom.Document {
	t.Helper()
	d, err := dom.ParseHTML(coursePage)
	require.NoError(t, err)
	d.OnClick("div.pc-slider-menu-micro", func(d *dom.Document, target *goquery.Selection) {
		d.Selection().Find("#content").SetHtml(unitContent[target.AttrOr("data-unit", "")])
	})
	return d
}

func newLoop(cfg *config.Config, oracle models.Oracle) *Loop {
	stop := NewStopFlag()
	stop.Reset()
	return &Loop{
		Course:     cfg.Course,
		Timing:     cfg.Timing,
		Classifier: classify.New(cfg.Timing.SettleDelay),
		Table:      handlers.DefaultTable(),
		Ctl:        handlers.NewController(cfg, nil, oracle, stop, nil),
		Stop:       stop,
		Log:        zap.NewNop(),
	}
}

func TestLoopVisitsEveryUnitInOrder(t *testing.T) {
	cfg := testConfig()
	d := newCourse(t)
	oracle := &stubOracle{text: "Sure.\nANSWERS:\n1. blue\n2. green\n"}
	loop := newLoop(cfg, oracle)

	var phases []Phase
	loop.OnPhase = func(p Phase) { phases = append(phases, p) }

	report, err := loop.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Done, report.Final)
	assert.False(t, report.Stopped)
	assert.Equal(t, 2, report.Tasks)

	require.Len(t, report.Visits, 2)
	assert.Equal(t, classify.Reading, report.Visits[0].Type)
	assert.Equal(t, handlers.Skipped, report.Visits[0].Result.Status)
	assert.Equal(t, "Unit 1 Reading", report.Visits[0].TaskName)
	assert.False(t, report.Visits[0].Finished)

	assert.Equal(t, classify.QuizFillInBlank, report.Visits[1].Type)
	assert.True(t, report.Visits[1].Finished)
	assert.Len(t, report.Visits[1].Result.Fields, 2)

	ctx := context.Background()
	for i, want := range []string{"blue", "green"} {
		v, ok, err := d.Value(ctx, dom.Nth("#content input", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	require.Len(t, oracle.prompts, 1)
	assert.Contains(t, oracle.prompts[0], "The sky is")

	clicks := d.Clicks()
	require.Len(t, clicks, 2)
	assert.Contains(t, clicks[0], "div.pc-slider-menu-micro[0]")
	assert.Contains(t, clicks[1], "div.pc-slider-menu-micro[1]")

	assert.Equal(t, EnumeratingTasks, phases[0])
	assert.Equal(t, Done, phases[len(phases)-1])
	assert.Contains(t, phases, Classifying)
	assert.Contains(t, phases, Dispatching)
}

func TestLoopSkipsFinishedUnits(t *testing.T) {
	cfg := testConfig()
	cfg.Course.SkipFinished = true
	d := newCourse(t)
	loop := newLoop(cfg, nil)

	report, err := loop.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Done, report.Final)
	require.Len(t, report.Visits, 2)
	assert.Equal(t, classify.Reading, report.Visits[0].Type)
	assert.True(t, report.Visits[1].Finished)
	assert.Equal(t, handlers.Skipped, report.Visits[1].Result.Status)
	assert.Len(t, d.Clicks(), 1)
}

func TestLoopWithoutOracleFailsQuizOnly(t *testing.T) {
	cfg := testConfig()
	d := newCourse(t)
	report, err := newLoop(cfg, nil).Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Done, report.Final)
	require.Len(t, report.Visits, 2)
	assert.Equal(t, handlers.Failed, report.Visits[1].Result.Status)
}

func TestLoopRecordsStaleTask(t *testing.T) {
	cfg := testConfig()
	d := newCourse(t)
	report, err := newLoop(cfg, nil).Run(context.Background(), &staleOncePage{Document: d})
	require.NoError(t, err)
	assert.Equal(t, Done, report.Final)

	require.Len(t, report.Visits, 2)
	assert.Equal(t, 0, report.Visits[0].Task)
	assert.Equal(t, "Unit 1 Reading", report.Visits[0].TaskName)
	assert.Equal(t, handlers.Skipped, report.Visits[0].Result.Status)
	assert.Equal(t, 1, report.Visits[1].Task)
	assert.Equal(t, classify.QuizFillInBlank, report.Visits[1].Type)
	assert.Len(t, d.Clicks(), 1)
}

func TestLoopStopBeforeStart(t *testing.T) {
	cfg := testConfig()
	d := newCourse(t)
	loop := newLoop(cfg, nil)
	require.True(t, loop.Stop.Request())

	report, err := loop.Run(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, Idle, report.Final)
	assert.Empty(t, report.Visits)
	assert.Empty(t, d.Clicks())
}

func TestLoopStopDuringUnit(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.IdlePause = time.Hour
	d := newCourse(t)
	loop := newLoop(cfg, nil)
	loop.OnPhase = func(p Phase) {
		if p == Dispatching {
			loop.Stop.Request()
		}
	}

	start := time.Now()
	report, err := loop.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, report.Stopped)
	assert.Equal(t, Idle, report.Final)
	require.Len(t, report.Visits, 1)
	assert.Len(t, d.Clicks(), 1)
}

func TestLoopEmptyCourse(t *testing.T) {
	cfg := testConfig()
	d, err := dom.ParseHTML(`<div id="content"></div>`)
	require.NoError(t, err)

	report, err := newLoop(cfg, nil).Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, Done, report.Final)
	assert.Zero(t, report.Tasks)
}

func TestLoopSessionFailure(t *testing.T) {
	cfg := testConfig()
	report, err := newLoop(cfg, nil).Run(context.Background(), brokenPage{Page: newCourse(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, dom.ErrSession)
	assert.Equal(t, Idle, report.Final)
}

func TestLoopReturnsToMenu(t *testing.T) {
	cfg := testConfig()
	d := newCourse(t)
	// 第一个任务跳转到单独的页面，任务列表消失
	menu, err := goquery.OuterHtml(d.Selection().Find("div.slider-menu-container"))
	require.NoError(t, err)
	d.OnClick("div.pc-slider-menu-micro[data-unit='1']", func(d *dom.Document, _ *goquery.Selection) {
		d.Selection().Find("div.slider-menu-container").Remove()
	})
	d.OnBack(func(d *dom.Document) {
		d.Selection().Find("body").PrependHtml(menu)
	})
	loop := newLoop(cfg, nil)

	report, err := loop.Run(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Backs())
	assert.Equal(t, Done, report.Final)
	assert.Len(t, report.Visits, 2)
}

func TestStopFlag(t *testing.T) {
	f := NewStopFlag()
	assert.Equal(t, Stopped, f.State())
	assert.True(t, f.StopRequested())
	assert.False(t, f.Request())

	f.Reset()
	assert.False(t, f.StopRequested())
	assert.True(t, f.Request())
	assert.False(t, f.Request())
	assert.Equal(t, StopRequested, f.State())

	f.MarkStopped()
	assert.Equal(t, "stopped", f.State().String())
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "EnumeratingTasks", EnumeratingTasks.String())
	assert.Equal(t, "Done", Done.String())
	assert.Equal(t, "Phase(?)", Phase(42).String())
	b, err := Dispatching.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Dispatching", string(b))
}

func newRunState(t *testing.T, page dom.Page, oracle models.Oracle) (*Controller, *int32) {
	t.Helper()
	var connects int32
	connect := func(context.Context) (Session, error) {
		atomic.AddInt32(&connects, 1)
		return &session{page: page}, nil
	}
	return NewController(context.Background(), testConfig(), nil, nil, connect, selector{oracle: oracle}), &connects
}

func waitRun(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestControllerRequiresSession(t *testing.T) {
	c, _ := newRunState(t, newCourse(t), nil)
	started, err := c.Start()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, started)
	assert.False(t, c.Stop())

	err = c.Inspect(context.Background(), func(context.Context, dom.Page) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestControllerConnectDoesNotBlockStatus(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	d := newCourse(t)
	connect := func(context.Context) (Session, error) {
		close(entered)
		<-release
		return &session{page: d}, nil
	}
	c := NewController(context.Background(), testConfig(), nil, nil, connect, selector{})

	type result struct {
		fresh bool
		err   error
	}
	done := make(chan result, 1)
	go func() {
		fresh, err := c.Connect(context.Background())
		done <- result{fresh, err}
	}()
	<-entered

	statusDone := make(chan Status, 1)
	go func() { statusDone <- c.Status() }()
	select {
	case st := <-statusDone:
		assert.True(t, st.Connecting)
		assert.False(t, st.Connected)
	case <-time.After(time.Second):
		t.Fatal("Status 在连接期间被阻塞")
	}

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnecting)
	_, err = c.Start()
	assert.ErrorIs(t, err, ErrNotConnected)

	close(release)
	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.fresh)
	st := c.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Connecting)
}

func TestControllerInspectExcludesRun(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.IdlePause = time.Hour
	d := newCourse(t)
	c := NewController(context.Background(), cfg, nil, nil,
		func(context.Context) (Session, error) { return &session{page: d}, nil }, selector{})
	ctx := context.Background()
	_, err := c.Connect(ctx)
	require.NoError(t, err)

	err = c.Inspect(ctx, func(ctx context.Context, p dom.Page) error {
		assert.Same(t, d, p)
		started, err := c.Start()
		assert.ErrorIs(t, err, ErrBusy)
		assert.False(t, started)
		assert.ErrorIs(t, c.Inspect(ctx, func(context.Context, dom.Page) error { return nil }), ErrBusy)
		return nil
	})
	require.NoError(t, err)

	started, err := c.Start()
	require.NoError(t, err)
	require.True(t, started)
	err = c.Inspect(ctx, func(context.Context, dom.Page) error {
		t.Error("运行期间不应执行识别")
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	c.Stop()
	waitRun(t, c)
}

func TestControllerInspectMarksSessionBroken(t *testing.T) {
	c, _ := newRunState(t, newCourse(t), nil)
	ctx := context.Background()
	_, err := c.Connect(ctx)
	require.NoError(t, err)

	err = c.Inspect(ctx, func(context.Context, dom.Page) error {
		return fmt.Errorf("classify: %w", dom.ErrSession)
	})
	assert.ErrorIs(t, err, dom.ErrSession)
	assert.False(t, c.Status().Connected)
}

func TestControllerRun(t *testing.T) {
	d := newCourse(t)
	oracle := &stubOracle{text: "ANSWERS:\n1. alpha\n2. beta\n"}
	c, connects := newRunState(t, d, oracle)
	ctx := context.Background()

	fresh, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = c.Connect(ctx)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.EqualValues(t, 1, atomic.LoadInt32(connects))

	started, err := c.Start()
	require.NoError(t, err)
	assert.True(t, started)
	waitRun(t, c)

	st := c.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Running)
	assert.Equal(t, Done, st.Phase)
	assert.Equal(t, Stopped, st.Stop)
	assert.NotEmpty(t, st.RunID)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.Last)
	assert.Equal(t, Done, st.Last.Final)
	assert.Equal(t, st.RunID, st.Last.RunID)
	require.Len(t, st.Last.Visits, 2)

	for i, want := range []string{"alpha", "beta"} {
		v, _, err := d.Value(ctx, dom.Nth("#content input", i))
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestControllerStartIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.IdlePause = time.Hour
	d := newCourse(t)
	connect := func(context.Context) (Session, error) { return &session{page: d}, nil }
	c := NewController(context.Background(), cfg, nil, nil, connect, selector{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	started, err := c.Start()
	require.NoError(t, err)
	require.True(t, started)
	started, err = c.Start()
	require.NoError(t, err)
	assert.False(t, started)
	assert.True(t, c.Running())

	assert.True(t, c.Stop())
	assert.True(t, c.Stop())
	waitRun(t, c)

	st := c.Status()
	assert.False(t, st.Running)
	assert.Equal(t, Idle, st.Phase)
	require.NotNil(t, st.Last)
	assert.True(t, st.Last.Stopped)
	assert.False(t, c.Stop())
}

func TestControllerReconnectsAfterSessionFailure(t *testing.T) {
	var connects int32
	good := newCourse(t)
	var first *session
	connect := func(context.Context) (Session, error) {
		if atomic.AddInt32(&connects, 1) == 1 {
			first = &session{page: brokenPage{Page: good}}
			return first, nil
		}
		return &session{page: good}, nil
	}
	c := NewController(context.Background(), testConfig(), nil, nil, connect, selector{})
	ctx := context.Background()

	_, err := c.Connect(ctx)
	require.NoError(t, err)
	_, err = c.Start()
	require.NoError(t, err)
	waitRun(t, c)

	st := c.Status()
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, dom.ErrSession.Error())
	assert.Equal(t, Idle, st.Phase)

	fresh, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.True(t, first.closed.Load())
	assert.EqualValues(t, 2, atomic.LoadInt32(&connects))
}

func TestControllerConnectError(t *testing.T) {
	boom := errors.New("no browser")
	c := NewController(context.Background(), testConfig(), nil, nil,
		func(context.Context) (Session, error) { return nil, boom }, selector{})
	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Status().Connected)
}

func TestControllerSelectBackend(t *testing.T) {
	c, _ := newRunState(t, newCourse(t), nil)
	require.NoError(t, c.SelectBackend("Qwen"))
	assert.Equal(t, "Qwen", c.Status().Backend)

	assert.Error(t, c.SelectBackend("missing"))
	assert.Equal(t, "Qwen", c.Status().Backend)
}

func TestControllerClose(t *testing.T) {
	s := &session{page: newCourse(t)}
	c := NewController(context.Background(), testConfig(), nil, nil,
		func(context.Context) (Session, error) { return s, nil }, selector{})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, s.closed.Load())
	assert.False(t, c.Status().Connected)

	// 退出之后完成的连接不会留下会话
	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Status().Connected)
}
