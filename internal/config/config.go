package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath 默认配置文件路径
const DefaultPath = "./config.yaml"

// placeholderMarker 默认配置里 API Key 的占位前缀
const placeholderMarker = "YOUR_"

// 后端协议
const (
	KindOpenAI    = "openai"
	KindDashScope = "dashscope"
)

// ModelConfig 模型配置
type ModelConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// HasCredentials API Key 是否已经填写（不是空也不是占位符）
func (m ModelConfig) HasCredentials() bool {
	return !IsPlaceholder(m.APIKey)
}

// SiteConfig 目标站点
type SiteConfig struct {
	URL    string   `yaml:"url"`
	Hosts  []string `yaml:"hosts"`
	Cookie string   `yaml:"cookie"`
}

// IsCourseURL 当前地址是否已经在课程站点上
func (s SiteConfig) IsCourseURL(u string) bool {
	for _, prefix := range s.Hosts {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}

// BrowserConfig 浏览器会话
type BrowserConfig struct {
	DebugAddress  string        `yaml:"debug_address"`
	ChromePath    string        `yaml:"chrome_path"`
	Headless      bool          `yaml:"headless"`
	UserDataDir   string        `yaml:"user_data_dir"`
	AttachTimeout time.Duration `yaml:"attach_timeout"`
}

// OracleConfig 答题模型调用
type OracleConfig struct {
	Default     string        `yaml:"default"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// TimingConfig 等待与轮询参数
type TimingConfig struct {
	SettleDelay     time.Duration `yaml:"settle_delay"`     // 识别页面前的等待
	NavigationDelay time.Duration `yaml:"navigation_delay"` // 点击任务/标签后的等待
	ElementWait     time.Duration `yaml:"element_wait"`     // 提取内容时每个区域的最长等待
	PollInterval    time.Duration `yaml:"poll_interval"`    // 视频进度轮询间隔
	VideoCeiling    time.Duration `yaml:"video_ceiling"`    // 单个视频最长等待
	CardInterval    time.Duration `yaml:"card_interval"`    // 翻卡间隔
	IdlePause       time.Duration `yaml:"idle_pause"`       // 无需处理的页面停留时间
	SubmitDelay     time.Duration `yaml:"submit_delay"`     // 提交与确认之间的等待
}

// CourseConfig 课程目录的选择器
type CourseConfig struct {
	MenuContainer string `yaml:"menu_container"`
	TaskItem      string `yaml:"task_item"`
	Finished      string `yaml:"finished"`
	TabItem       string `yaml:"tab_item"`
	ActiveTab     string `yaml:"active_tab"`
	SkipFinished  bool   `yaml:"skip_finished"`
}

// QuizConfig 答题行为
type QuizConfig struct {
	ManualSubmit bool `yaml:"manual_submit"`
}

// ServerConfig 控制面板
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config 全部配置。启动时构造一次，显式传给需要的组件。
type Config struct {
	Site    SiteConfig    `yaml:"site"`
	Browser BrowserConfig `yaml:"browser"`
	Models  []ModelConfig `yaml:"models"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Timing  TimingConfig  `yaml:"timing"`
	Course  CourseConfig  `yaml:"course"`
	Quiz    QuizConfig    `yaml:"quiz"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`

	path string
}

// IsPlaceholder 判断凭据是否缺失或仍是占位符
func IsPlaceholder(key string) bool {
	key = strings.TrimSpace(key)
	return key == "" || strings.Contains(key, placeholderMarker)
}

// getDefaultModels 获取默认模型配置
func getDefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Name:    "DeepSeek",
			Kind:    KindOpenAI,
			Enabled: true,
			BaseURL: "https://api.deepseek.com",
			APIKey:  "YOUR_DEEPSEEK_API_KEY_HERE",
			Model:   "deepseek-chat",
		},
		{
			Name:    "Qwen (DashScope)",
			Kind:    KindDashScope,
			Enabled: true,
			BaseURL: "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation",
			APIKey:  "YOUR_DASHSCOPE_API_KEY_HERE",
			Model:   "qwen-plus",
		},
		{
			Name:    "Gemini",
			Kind:    KindOpenAI,
			Enabled: true,
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
			APIKey:  "YOUR_GEMINI_API_KEY_HERE",
			Model:   "gemini-2.5-flash",
		},
		{
			Name:    "Groq",
			Kind:    KindOpenAI,
			Enabled: true,
			BaseURL: "https://api.groq.com/openai/v1",
			APIKey:  "YOUR_GROQ_API_KEY_HERE",
			Model:   "llama3-8b-8192",
		},
		{
			Name:    "OpenAI",
			Kind:    KindOpenAI,
			Enabled: false,
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "YOUR_OPENAI_API_KEY_HERE",
			Model:   "gpt-4o",
		},
		{
			Name:    "Moonshot",
			Kind:    KindOpenAI,
			Enabled: false,
			BaseURL: "https://api.moonshot.cn/v1",
			APIKey:  "YOUR_MOONSHOT_API_KEY_HERE",
			Model:   "moonshot-v1-auto",
		},
		{
			Name:    "Ollama",
			Kind:    KindOpenAI,
			Enabled: false,
			BaseURL: "http://localhost:11434/v1",
			APIKey:  "ollama",
			Model:   "qwen3:8b",
		},
	}
}

// Default 返回全部默认值
func Default() *Config {
	c := &Config{path: DefaultPath}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Site.URL == "" {
		c.Site.URL = "https://ucloud.unipus.cn/"
	}
	if len(c.Site.Hosts) == 0 {
		c.Site.Hosts = []string{"https://uai.unipus.cn", "https://ucloud.unipus.cn", "https://ucontent.unipus.cn"}
	}
	if c.Browser.DebugAddress == "" {
		c.Browser.DebugAddress = "127.0.0.1:9222"
	}
	if c.Browser.ChromePath == "" {
		c.Browser.ChromePath = findChrome()
	}
	if c.Browser.AttachTimeout <= 0 {
		c.Browser.AttachTimeout = 5 * time.Second
	}
	if len(c.Models) == 0 {
		c.Models = getDefaultModels()
	}
	for i := range c.Models {
		if c.Models[i].Kind == "" {
			c.Models[i].Kind = KindOpenAI
		}
	}
	if c.Oracle.Default == "" {
		c.Oracle.Default = c.Models[0].Name
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 30 * time.Second
	}
	if c.Oracle.MinInterval <= 0 {
		c.Oracle.MinInterval = time.Second
	}

	t := &c.Timing
	if t.SettleDelay <= 0 {
		t.SettleDelay = 2 * time.Second
	}
	if t.NavigationDelay <= 0 {
		t.NavigationDelay = 3 * time.Second
	}
	if t.ElementWait <= 0 {
		t.ElementWait = 10 * time.Second
	}
	if t.PollInterval <= 0 {
		t.PollInterval = 2 * time.Second
	}
	if t.VideoCeiling <= 0 {
		t.VideoCeiling = 30 * time.Minute
	}
	if t.CardInterval <= 0 {
		t.CardInterval = 800 * time.Millisecond
	}
	if t.IdlePause <= 0 {
		t.IdlePause = 5 * time.Second
	}
	if t.SubmitDelay <= 0 {
		t.SubmitDelay = 1500 * time.Millisecond
	}

	if c.Course.MenuContainer == "" {
		c.Course.MenuContainer = "div.slider-menu-container"
	}
	if c.Course.TaskItem == "" {
		c.Course.TaskItem = "div.pc-slider-menu-micro"
	}
	if c.Course.Finished == "" {
		c.Course.Finished = ".finished, .pc-menu-finished, i.icon-finished"
	}
	if c.Course.TabItem == "" {
		c.Course.TabItem = "div.pc-header-tabs-container .pc-tab-view-container, div.pc-task-tabs .pc-tab"
	}
	if c.Course.ActiveTab == "" {
		c.Course.ActiveTab = ".active, .pc-header-tab-activity, .is-active"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 11451
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// findChrome 按平台查找 Chrome 可执行文件，找不到时交给 chromedp 自行查找
func findChrome() string {
	var paths []string
	switch runtime.GOOS {
	case "windows":
		paths = []string{
			os.Getenv("PROGRAMFILES") + "\\Google\\Chrome\\Application\\chrome.exe",
			os.Getenv("PROGRAMFILES(X86)") + "\\Google\\Chrome\\Application\\chrome.exe",
			os.Getenv("LOCALAPPDATA") + "\\Google\\Chrome\\Application\\chrome.exe",
			".\\chrome-win64\\chrome.exe",
		}
	case "darwin":
		paths = []string{"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"}
	default:
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium-browser",
			"/usr/bin/chromium",
			"/snap/bin/chromium",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load 加载配置文件。文件不存在时写出一份默认配置。
// YAML 是 JSON 的超集，旧的 JSON 配置也能直接读取。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c := Default()
			c.path = path
			return c, c.Save()
		}
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	c.path = path
	c.defaults()
	return c, nil
}

// Path 配置文件路径
func (c *Config) Path() string {
	return c.path
}

// Save 保存配置文件
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Model 按名称查找模型配置
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ValidationError 配置验证错误
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate 验证配置。凭据缺失只是警告性质的错误，调用模型时才会真正拒绝。
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if !strings.HasPrefix(c.Site.URL, "http") {
		errs = append(errs, ValidationError{Field: "site.url", Message: "目标站点地址无效"})
	}

	hasUsable := false
	for i, m := range c.Models {
		field := fmt.Sprintf("models[%d]", i)
		if m.Kind != KindOpenAI && m.Kind != KindDashScope {
			errs = append(errs, ValidationError{Field: field + ".kind", Message: "未知的模型协议 " + m.Kind})
		}
		if !m.Enabled {
			continue
		}
		if m.BaseURL == "" {
			errs = append(errs, ValidationError{Field: field + ".base_url", Message: "已启用的模型 " + m.Name + " 缺少 Base URL"})
		}
		if m.Model == "" {
			errs = append(errs, ValidationError{Field: field + ".model", Message: "已启用的模型 " + m.Name + " 缺少模型名称"})
		}
		if m.HasCredentials() {
			hasUsable = true
		}
	}
	if !hasUsable {
		errs = append(errs, ValidationError{Field: "models", Message: "没有填写了 API Key 的已启用模型"})
	}

	if _, ok := c.Model(c.Oracle.Default); !ok {
		errs = append(errs, ValidationError{Field: "oracle.default", Message: "默认模型 " + c.Oracle.Default + " 不存在"})
	}
	return errs
}
