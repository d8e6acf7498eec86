// Package browser 获取课程页面所在的浏览器会话
package browser

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"ucampus/internal/config"
	"ucampus/internal/dom"
)

const (
	pageLoadWaitTime = 3 * time.Second
	closeWaitTime    = 500 * time.Millisecond
)

// Session 一个浏览器标签页。优先接管已经打开的浏览器，失败时自行启动。
// 接管时新开一个自动化标签页，用户原有的标签页不受影响。
type Session struct {
	log      *zap.Logger
	launched bool

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tab           context.Context
	tabCancel     context.CancelFunc

	page *dom.CDP
}

// Acquire 连接调试端口上的浏览器并在新标签页中打开课程；连接不上时启动新的浏览器
func Acquire(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s, err := attach(ctx, cfg, log)
	if err != nil {
		log.Info("无法连接已打开的浏览器，改为启动新的浏览器", zap.String("address", cfg.Browser.DebugAddress), zap.Error(err))
		if s, err = launch(ctx, cfg, log); err != nil {
			return nil, err
		}
	}
	s.page = dom.NewCDP(s.tab)

	if err := s.prepare(ctx, cfg.Site); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// debugURL 调试地址补全为 http 形式，chromedp 会通过 /json/version 找到 websocket 地址
func debugURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") ||
		strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// debugPort 调试地址中的端口，启动新浏览器时沿用
func debugPort(addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "ws://")
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "9222"
	}
	return port
}

// startURL 自动化标签页打开的地址：用户已经打开的课程页面，没有时为课程首页
func startURL(targets []*target.Info, site config.SiteConfig) string {
	for _, t := range targets {
		if t.Type == "page" && site.IsCourseURL(t.URL) {
			return t.URL
		}
	}
	return site.URL
}

func attach(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	s := &Session{log: log}
	s.allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), debugURL(cfg.Browser.DebugAddress))
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	// 连接超时或调用方取消时中止，成功后浏览器连接不再受 ctx 约束
	timer := time.AfterFunc(cfg.Browser.AttachTimeout, s.browserCancel)
	stop := context.AfterFunc(ctx, s.browserCancel)
	targets, err := chromedp.Targets(s.browserCtx)
	timer.Stop()
	stop()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("连接调试端口失败: %w", err)
	}

	// 不用 WithTargetID 绑定用户的标签页，否则关闭会话时 chromedp 会关掉它
	url := startURL(targets, cfg.Site)
	s.tab, s.tabCancel = chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(s.tab, chromedp.Navigate(url)); err != nil {
		s.Close()
		return nil, fmt.Errorf("打开自动化标签页失败: %w", err)
	}
	log.Info("已接管浏览器，课程在新标签页中打开", zap.String("url", url))
	return s, nil
}

func launch(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Browser.Headless),
		chromedp.Flag("disable-gpu", cfg.Browser.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("remote-debugging-port", debugPort(cfg.Browser.DebugAddress)),
		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"),
	)
	if cfg.Browser.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Browser.ChromePath))
	}
	if cfg.Browser.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.Browser.UserDataDir))
	}

	s := &Session{log: log, launched: true}
	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)
	s.tab = s.browserCtx

	stop := context.AfterFunc(ctx, s.browserCancel)
	err := chromedp.Run(s.tab)
	stop()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("启动浏览器失败: %w", err)
	}
	log.Info("已启动浏览器", zap.Bool("headless", cfg.Browser.Headless))
	return s, nil
}

// prepare 写入配置中的 Cookie，当前不在课程站点时打开课程首页
func (s *Session) prepare(ctx context.Context, site config.SiteConfig) error {
	if site.Cookie != "" {
		var params []*network.CookieParam
		for _, c := range dom.ParseCookies(site.Cookie) {
			params = append(params, &network.CookieParam{Name: c.Name, Value: c.Value, URL: site.URL, Path: "/"})
		}
		err := chromedp.Run(s.tab, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookies(params).Do(ctx)
		}))
		if err != nil {
			return fmt.Errorf("写入Cookie失败: %w", err)
		}
		s.log.Info("已写入Cookie", zap.Int("count", len(params)))
	}

	current, err := s.page.URL(ctx)
	if err != nil {
		return err
	}
	if site.IsCourseURL(current) {
		return nil
	}
	s.log.Info("打开课程首页，请在浏览器中登录并进入课程目录", zap.String("url", site.URL))
	if err := s.page.Navigate(ctx, site.URL); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pageLoadWaitTime):
		return nil
	}
}

// Page 标签页
func (s *Session) Page() dom.Page {
	return s.page
}

// Cookies 导出当前站点的 Cookie，格式与配置文件相同
func (s *Session) Cookies(ctx context.Context) (string, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(s.tab, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("获取Cookie失败: %w", err)
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

// Close 关闭会话。自行启动的浏览器会被关闭；接管时只关闭自动化标签页并断开连接。
func (s *Session) Close() error {
	if s.tabCancel != nil {
		s.tabCancel()
		s.tabCancel = nil
	}
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.launched {
		// 等待一下让浏览器有时间关闭页面
		time.Sleep(closeWaitTime)
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
	s.log.Debug("浏览器会话已关闭", zap.Bool("launched", s.launched))
	return nil
}
