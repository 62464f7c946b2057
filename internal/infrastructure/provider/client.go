package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrPaymentNotFound = errors.New("服务商查无此支付")

// Client 支付服务商 API 客户端
// webhook 入账前通过服务商查询接口二次核验，防御伪造回调
type Client struct {
	baseURL    string
	shopID     string
	secretKey  string
	httpClient *http.Client
}

func NewClient(baseURL, shopID, secretKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		shopID:    shopID,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PaymentInfo 服务商侧的支付状态
type PaymentInfo struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Paid     bool              `json:"paid"`
	Amount   PaymentAmount     `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

type PaymentAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	Amount      PaymentAmount     `json:"amount"`
	Capture     bool              `json:"capture"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// CreatePaymentResult 创建支付返回
type CreatePaymentResult struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	ConfirmationURL string `json:"confirmation_url"`
}

// FindPayment 按外部支付ID查询支付状态
func (c *Client) FindPayment(ctx context.Context, paymentID string) (*PaymentInfo, error) {
	url := fmt.Sprintf("%s/v3/payments/%s", c.baseURL, paymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求服务商失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPaymentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("服务商返回异常状态码: %d", resp.StatusCode)
	}

	var info PaymentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("解析服务商响应失败: %w", err)
	}
	return &info, nil
}

// CreatePayment 在服务商侧创建支付意图
func (c *Client) CreatePayment(ctx context.Context, idempotenceKey string, payReq *CreatePaymentRequest) (*CreatePaymentResult, error) {
	body, err := json.Marshal(payReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v3/payments", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", idempotenceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求服务商失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("服务商返回异常状态码: %d", resp.StatusCode)
	}

	var result CreatePaymentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析服务商响应失败: %w", err)
	}
	return &result, nil
}
