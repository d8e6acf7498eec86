package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ucampus/internal/browser"
	"ucampus/internal/classify"
	"ucampus/internal/config"
	"ucampus/internal/content"
	"ucampus/internal/dom"
	"ucampus/internal/handlers"
	"ucampus/internal/logging"
	"ucampus/internal/metrics"
	"ucampus/internal/models"
	"ucampus/internal/runner"
	"ucampus/internal/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "配置文件路径")
	port := flag.Int("port", 0, "控制面板端口，0 表示使用配置文件中的端口")
	classifySource := flag.String("classify", "", "离线识别保存的页面文件或地址，输出识别结果后退出")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("错误: 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	hub := web.NewHub(256)
	log := logging.New(cfg.Log, hub)
	defer log.Sync()

	for _, v := range cfg.Validate() {
		log.Warn("配置检查", zap.String("field", v.Field), zap.String("message", v.Message))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *classifySource != "" {
		if err := classifyOffline(ctx, cfg, *classifySource); err != nil {
			log.Error("离线识别失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, hub, log); err != nil {
		log.Error("运行失败", zap.Error(err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, hub *web.Hub, log *zap.Logger) error {
	m := metrics.NewCollector()
	manager := models.NewManager(cfg, m, log)
	if !manager.HasAvailableModel() {
		log.Warn("没有配置可用的答题模型，题目页将无法作答")
	}

	connect := func(ctx context.Context) (runner.Session, error) {
		s, err := browser.Acquire(ctx, cfg, log.Named("browser"))
		if err != nil {
			return nil, err
		}
		saveCookies(ctx, cfg, s, log)
		return s, nil
	}
	run := runner.NewController(ctx, cfg, log.Named("runner"), m, connect, manager)
	srv := web.NewServer(cfg, run, manager, hub, m, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cfg.Server.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("正在退出...")
		return run.Close(closeCtx)
	})
	return g.Wait()
}

// saveCookies 配置中还没有 Cookie 时保存当前登录状态，下次启动新浏览器时写回
func saveCookies(ctx context.Context, cfg *config.Config, s *browser.Session, log *zap.Logger) {
	if cfg.Site.Cookie != "" {
		return
	}
	cookie, err := s.Cookies(ctx)
	if err != nil || cookie == "" {
		return
	}
	cfg.Site.Cookie = cookie
	if err := cfg.Save(); err != nil {
		log.Warn("保存Cookie失败", zap.Error(err))
		return
	}
	log.Info("Cookie已保存到配置文件")
}

// offlineResult -classify 的输出
type offlineResult struct {
	Source  string               `json:"source"`
	Type    classify.ContentType `json:"type"`
	Matches []classify.Match     `json:"matches"`
	Content *content.Snapshot    `json:"content,omitempty"`
}

func classifyOffline(ctx context.Context, cfg *config.Config, source string) error {
	fetcher, err := dom.NewFetcher(cfg.Site.URL, cfg.Site.Cookie, cfg.Oracle.Timeout)
	if err != nil {
		return err
	}
	doc, err := dom.Open(ctx, fetcher, source)
	if err != nil {
		return fmt.Errorf("加载页面失败: %w", err)
	}

	c := classify.New(0)
	ct, err := c.Classify(ctx, doc)
	if err != nil {
		return err
	}
	matches, err := c.Explain(ctx, doc)
	if err != nil {
		return err
	}
	res := offlineResult{Source: source, Type: ct, Matches: matches}

	if layout, ok := handlers.LayoutOf(ct); ok {
		snap, err := content.NewExtractor(0, 0).Extract(ctx, doc, layout)
		if err != nil {
			return err
		}
		res.Content = &snap
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
