// Package models 答题模型后端
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ucampus/internal/config"
)

const (
	systemPrompt = `You are an assistant that answers English course exercises. Follow the reply format in the user message exactly and never explain your answers.`

	httpTimeout = 120 * time.Second
)

// ErrMissingCredentials API Key 为空或仍是占位符
var ErrMissingCredentials = errors.New("API Key 未配置")

// Oracle 给定提示词返回模型的原始文本
type Oracle interface {
	Name() string
	Ask(ctx context.Context, prompt string) (string, error)
}

var (
	sharedHTTPClient *http.Client
	httpClientOnce   sync.Once
)

// getHTTPClient 获取共享的 HTTP 客户端，单次调用的超时由 context 控制
func getHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		sharedHTTPClient = &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return sharedHTTPClient
}

// callError 模型调用错误统一以 "Error calling <后端>:" 开头，界面可以直接显示
func callError(name string, err error) error {
	return fmt.Errorf("Error calling %s: %w", name, err)
}

// New 按协议创建后端，client 为 nil 时使用共享客户端
func New(cfg config.ModelConfig, client *http.Client) (Oracle, error) {
	if client == nil {
		client = getHTTPClient()
	}
	switch cfg.Kind {
	case config.KindOpenAI, "":
		return &OpenAICompatible{cfg: cfg, client: client}, nil
	case config.KindDashScope:
		return &DashScope{cfg: cfg, client: client}, nil
	default:
		return nil, fmt.Errorf("未知的模型协议 %q", cfg.Kind)
	}
}

// postJSON 发送 JSON 请求并读取响应体。非 2xx 状态码也返回响应体，由调用方解析错误信息。
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload any) ([]byte, int, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, 0, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("读取响应失败: %w", err)
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ChatRequest OpenAI API 请求结构
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAICompatible OpenAI 兼容接口（DeepSeek、Gemini、Groq、OpenAI、Moonshot、Ollama）
type OpenAICompatible struct {
	cfg    config.ModelConfig
	client *http.Client
}

// Name 模型名称
func (m *OpenAICompatible) Name() string {
	return m.cfg.Name
}

// chatURL 用户可以配置完整路径（如 https://api.example.com/v1/chat/completions），
// 或者只配置基础 URL（如 https://api.deepseek.com），这里自动补全
func (m *OpenAICompatible) chatURL() string {
	baseURL := strings.TrimSuffix(m.cfg.BaseURL, "/")
	switch {
	case strings.HasSuffix(baseURL, "/chat/completions"):
		return baseURL
	case strings.Contains(baseURL, "/v1"):
		return baseURL + "/chat/completions"
	default:
		return baseURL + "/v1/chat/completions"
	}
}

// Ask 调用模型
func (m *OpenAICompatible) Ask(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", callError(m.Name(), errors.New("提示词为空"))
	}
	reqBody := ChatRequest{
		Model: m.cfg.Model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
		MaxTokens:   2000,
	}

	body, status, err := postJSON(ctx, m.client, m.chatURL(), m.cfg.APIKey, reqBody)
	if err != nil {
		return "", callError(m.Name(), err)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", callError(m.Name(), fmt.Errorf("HTTP %d, 解析响应失败: %w, body: %s", status, err, truncate(string(body), 200)))
	}
	if chatResp.Error != nil {
		return "", callError(m.Name(), fmt.Errorf("API错误: %s", chatResp.Error.Message))
	}
	if status/100 != 2 {
		return "", callError(m.Name(), fmt.Errorf("HTTP %d", status))
	}
	if len(chatResp.Choices) == 0 {
		return "", callError(m.Name(), errors.New("没有返回答案"))
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

type dashScopeRequest struct {
	Model string `json:"model"`
	Input struct {
		Prompt string `json:"prompt"`
	} `json:"input"`
	Parameters struct {
		ResultFormat string `json:"result_format"`
	} `json:"parameters"`
}

type dashScopeResponse struct {
	Output struct {
		Text string `json:"text"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DashScope 通义千问原生文本生成接口
type DashScope struct {
	cfg    config.ModelConfig
	client *http.Client
}

// Name 模型名称
func (m *DashScope) Name() string {
	return m.cfg.Name
}

// Ask 调用模型。DashScope 原生接口没有 system 角色，说明直接拼在提示词前面。
func (m *DashScope) Ask(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", callError(m.Name(), errors.New("提示词为空"))
	}
	var reqBody dashScopeRequest
	reqBody.Model = m.cfg.Model
	reqBody.Input.Prompt = systemPrompt + "\n\n" + prompt
	reqBody.Parameters.ResultFormat = "text"

	body, status, err := postJSON(ctx, m.client, m.cfg.BaseURL, m.cfg.APIKey, reqBody)
	if err != nil {
		return "", callError(m.Name(), err)
	}

	var resp dashScopeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", callError(m.Name(), fmt.Errorf("HTTP %d, 解析响应失败: %w, body: %s", status, err, truncate(string(body), 200)))
	}
	if resp.Code != "" {
		return "", callError(m.Name(), fmt.Errorf("API错误: %s %s", resp.Code, resp.Message))
	}
	if status/100 != 2 {
		return "", callError(m.Name(), fmt.Errorf("HTTP %d", status))
	}
	if resp.Output.Text == "" {
		return "", callError(m.Name(), errors.New("没有返回答案"))
	}
	return strings.TrimSpace(resp.Output.Text), nil
}
