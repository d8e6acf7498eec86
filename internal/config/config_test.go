package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.FileExists(t, path)

	assert.Equal(t, "127.0.0.1:9222", cfg.Browser.DebugAddress)
	assert.Equal(t, 2*time.Second, cfg.Timing.SettleDelay)
	assert.Equal(t, "DeepSeek", cfg.Oracle.Default)
	assert.NotEmpty(t, cfg.Models)

	// 写出的文件可以原样读回
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Timing, again.Timing)
	assert.Equal(t, cfg.Models, again.Models)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
site:
  url: https://ucloud.unipus.cn/home
models:
  - name: Local
    enabled: true
    base_url: http://localhost:11434/v1
    api_key: ollama
    model: qwen3:8b
timing:
  settle_delay: 250ms
  video_ceiling: 1m
course:
  skip_finished: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.SettleDelay)
	assert.Equal(t, time.Minute, cfg.Timing.VideoCeiling)
	assert.Equal(t, 3*time.Second, cfg.Timing.NavigationDelay, "未填写的字段使用默认值")
	assert.True(t, cfg.Course.SkipFinished)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, KindOpenAI, cfg.Models[0].Kind)
	assert.Equal(t, "Local", cfg.Oracle.Default)
	assert.Empty(t, cfg.Validate())
}

func TestLoadJSONConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"site": {"url": "https://uai.unipus.cn/"}, "server": {"port": 8080}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://uai.unipus.cn/", cfg.Site.URL)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("site: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder(""))
	assert.True(t, IsPlaceholder("   "))
	assert.True(t, IsPlaceholder("YOUR_DEEPSEEK_API_KEY_HERE"))
	assert.False(t, IsPlaceholder("sk-123"))
}

func TestValidateDefaults(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate()
	require.Len(t, errs, 1, "默认配置只缺 API Key")
	assert.Equal(t, "models", errs[0].Field)

	cfg.Models[0].APIKey = "sk-real"
	assert.Empty(t, cfg.Validate())

	cfg.Oracle.Default = "Nope"
	cfg.Models[1].Kind = "grpc"
	fields := map[string]bool{}
	for _, e := range cfg.Validate() {
		fields[e.Field] = true
	}
	assert.True(t, fields["oracle.default"])
	assert.True(t, fields["models[1].kind"])
}

func TestIsCourseURL(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Site.IsCourseURL("https://ucontent.unipus.cn/_pc_default/pc.html"))
	assert.False(t, cfg.Site.IsCourseURL("https://example.com/"))
}
