package dom

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

// Fetcher 带 Cookie 的页面抓取器，抓回的页面解析为静态 Document
type Fetcher struct {
	client *http.Client
}

// NewFetcher 创建抓取器。cookie 为浏览器导出的 "a=1; b=2" 形式，作用于 target 所在站点。
func NewFetcher(target, cookie string, timeout time.Duration) (*Fetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("创建cookie jar失败: %w", err)
	}
	if cookie != "" {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("解析站点地址失败: %w", err)
		}
		jar.SetCookies(u, ParseCookies(cookie))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: &http.Client{Jar: jar, Timeout: timeout}}, nil
}

// ParseCookies 解析 cookie 字符串
func ParseCookies(cookieStr string) []*http.Cookie {
	var cookies []*http.Cookie
	for _, pair := range strings.Split(cookieStr, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			cookies = append(cookies, &http.Cookie{
				Name:  strings.TrimSpace(parts[0]),
				Value: strings.TrimSpace(parts[1]),
			})
		}
	}
	return cookies
}

// Fetch 抓取页面
func (f *Fetcher) Fetch(ctx context.Context, reqURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("请求失败，状态码: %d", resp.StatusCode)
	}
	return NewDocument(resp.Body, reqURL)
}

// Open 从文件或 http(s) 地址加载静态文档
func Open(ctx context.Context, f *Fetcher, source string) (*Document, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if f == nil {
			var err error
			if f, err = NewFetcher(source, "", 0); err != nil {
				return nil, err
			}
		}
		return f.Fetch(ctx, source)
	}
	file, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return NewDocument(file, "file://"+source)
}
