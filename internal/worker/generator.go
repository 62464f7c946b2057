package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"nanogen/internal/model"
)

// 生成失败的错误码，worker 据此决定用户文案与后端熔断
const (
	ErrCodeSafety          = "SAFETY"              // 内容安全拦截
	ErrCodeNoImage         = "NO_IMAGE"            // 后端没有返回图片
	ErrCodeTimeout         = "TIMEOUT"             // 生成超时
	ErrCodeNoReferenceImgs = "NO_REFERENCE_IMAGES" // 引用图拉取失败
	ErrCodeNetwork         = "NETWORK"             // 网络错误
	ErrCodeInvalidAPIKey   = "INVALID_API_KEY"     // 凭证失效
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"      // 后端配额耗尽
)

// GenerationError 携带错误码的生成失败
type GenerationError struct {
	Code    string
	Message string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewGenerationError(code, message string) *GenerationError {
	return &GenerationError{Code: code, Message: message}
}

// ErrorCode 从 err 中提取生成错误码，非 GenerationError 归为 NETWORK
func ErrorCode(err error) string {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeNetwork
}

// IsBackendCredentialError 凭证 / 配额类错误，应触发后端冷却而非退给用户重试
func IsBackendCredentialError(code string) bool {
	return code == ErrCodeInvalidAPIKey || code == ErrCodeQuotaExceeded
}

// GenerateRequest 传给生成后端的请求
type GenerateRequest struct {
	Prompt          string                   `json:"prompt"`
	ReferenceAssets []string                 `json:"reference_assets,omitempty"`
	Settings        model.GenerationSettings `json:"settings"`
}

// GenerateResult 生成成功的产物
type GenerateResult struct {
	ImagePath string `json:"image_path"`
	Seed      int64  `json:"seed"`
}

// Generator 图片生成后端
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// HTTPGenerator 经 HTTP API 调用生成后端，瞬时错误带退避重试
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

func NewHTTPGenerator(baseURL, apiKey string, timeout time.Duration, maxRetries int, retryDelay time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

type generateResponse struct {
	ImagePath string `json:"image_path"`
	Seed      int64  `json:"seed"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_message"`
}

// Generate 调用生成后端
// SAFETY / NO_IMAGE / 凭证类错误不重试；网络与超时错误按固定间隔重试
func (g *HTTPGenerator) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewGenerationError(ErrCodeTimeout, "生成超时")
			case <-time.After(g.retryDelay):
			}
		}

		result, err := g.doGenerate(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		code := ErrorCode(err)
		if code != ErrCodeNetwork && code != ErrCodeTimeout {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, NewGenerationError(ErrCodeTimeout, "生成超时")
		}
	}
	return nil, lastErr
}

func (g *HTTPGenerator) doGenerate(ctx context.Context, genReq *GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/generate", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewGenerationError(ErrCodeTimeout, "生成超时")
		}
		return nil, NewGenerationError(ErrCodeNetwork, err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, NewGenerationError(ErrCodeInvalidAPIKey, "后端凭证失效")
	case http.StatusTooManyRequests:
		return nil, NewGenerationError(ErrCodeQuotaExceeded, "后端配额耗尽")
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewGenerationError(ErrCodeNetwork, err.Error())
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, NewGenerationError(ErrCodeNetwork, fmt.Sprintf("解析后端响应失败: %v", err))
	}

	if genResp.ErrorCode != "" {
		return nil, NewGenerationError(genResp.ErrorCode, genResp.ErrorMsg)
	}
	if genResp.ImagePath == "" {
		return nil, NewGenerationError(ErrCodeNoImage, "后端未返回图片")
	}

	return &GenerateResult{
		ImagePath: genResp.ImagePath,
		Seed:      genResp.Seed,
	}, nil
}
