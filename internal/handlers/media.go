package handlers

import (
	"context"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"ucampus/internal/content"
	"ucampus/internal/dom"
)

// videoRate 视频播放倍速
const videoRate = 16

// endEpsilon 距离结尾小于该秒数即视为播放完毕
const endEpsilon = 1.0

// Video 倍速静音播放视频并等待结束
type Video struct{}

// findPlayer 先找顶层文档，再找一层 iframe。返回的 Page 以播放器所在文档为根，
// 离开 frame 不需要额外操作。
func findPlayer(ctx context.Context, p dom.Page) (dom.Page, bool, error) {
	ok, err := dom.Exists(ctx, p, content.SelVideo)
	if err != nil || ok {
		return p, ok, err
	}
	n, err := p.Count(ctx, nil, content.SelFrame)
	if err != nil {
		return nil, false, err
	}
	for i := 0; i < n; i++ {
		frame, ok, err := p.Frame(ctx, dom.Nth(content.SelFrame, i))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		found, err := dom.Exists(ctx, frame, content.SelVideo)
		if err != nil {
			return nil, false, err
		}
		if found {
			return frame, true, nil
		}
	}
	return nil, false, nil
}

// Handle 处理视频页
func (Video) Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error) {
	player, ok, err := findPlayer(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return skipped("页面上没有找到视频"), nil
	}
	ref := dom.Nth(content.SelVideo, 0)
	ok, err = player.PrepareMedia(ctx, ref, videoRate, true)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return failed("无法控制视频播放"), nil
	}
	ctl.Log.Info("视频已设置为倍速静音播放", zap.Int("rate", videoRate))

	outcome, err := ctl.Poll(ctx, ctl.Timing.PollInterval, ctl.Timing.VideoCeiling, func() (bool, error) {
		m, ok, err := player.Media(ctx, ref)
		if err != nil {
			return false, err
		}
		if !ok {
			// 播放器被移除，一般是播放结束后页面切换
			return true, nil
		}
		if m.Duration <= 0 {
			ctl.Log.Debug("等待视频元数据加载")
			return false, nil
		}
		ctl.Log.Debug("视频进度", zap.Int("current", int(m.CurrentTime)), zap.Int("duration", int(m.Duration)))
		return m.Ended || m.CurrentTime >= m.Duration-endEpsilon, nil
	})
	if err != nil {
		return Result{}, err
	}
	switch outcome {
	case PollStopped:
		return skipped("已请求停止"), nil
	case PollCeiling:
		return done("超过最长等待时间，视为已完成"), nil
	}
	return done("视频播放完毕"), nil
}

var counterPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// parseCounter 解析 "3/20" 形式的卡片计数
func parseCounter(s string) (current, total int, ok bool) {
	m := counterPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	current, _ = strconv.Atoi(m[1])
	total, _ = strconv.Atoi(m[2])
	return current, total, total > 0
}

// cardSlack 翻卡次数在 total 之外允许的余量
const cardSlack = 3

// Flashcards 逐张翻过单词卡片
type Flashcards struct{}

func readCounter(ctx context.Context, p dom.Page) (int, int, bool, error) {
	text, ok, err := p.Text(ctx, dom.Nth(content.SelCardCounter, 0))
	if err != nil || !ok {
		return 0, 0, false, err
	}
	cur, total, ok := parseCounter(text)
	return cur, total, ok, nil
}

// Handle 处理单词卡片页
func (Flashcards) Handle(ctx context.Context, p dom.Page, ctl *Controller) (Result, error) {
	cur, total, ok, err := readCounter(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return skipped("没有找到卡片计数"), nil
	}
	ctl.Log.Info("开始翻卡", zap.Int("current", cur), zap.Int("total", total))

	for advances := 0; cur < total; advances++ {
		if advances >= total+cardSlack {
			return failed("翻卡 %d 次后计数仍为 %d/%d", advances, cur, total), nil
		}
		if ctl.Stopped() {
			return skipped("已请求停止，停在 %d/%d", cur, total), nil
		}
		clicked, err := p.Click(ctx, dom.Nth(content.SelCardNext, 0))
		if err != nil {
			return Result{}, err
		}
		if !clicked {
			return skipped("没有找到下一张按钮，停在 %d/%d", cur, total), nil
		}
		stopped, err := ctl.Pause(ctx, ctl.Timing.CardInterval)
		if err != nil {
			return Result{}, err
		}
		if stopped {
			return skipped("已请求停止，停在 %d/%d", cur, total), nil
		}
		next, _, ok, err := readCounter(ctx, p)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			// 计数消失通常表示已经翻到结束页
			return done("卡片计数消失，视为已完成"), nil
		}
		cur = next
	}
	return done("全部卡片已浏览"), nil
}
