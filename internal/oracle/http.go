package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultTimeout 單次決策請求的上限
const DefaultTimeout = 60 * time.Second

// maxResponseBytes 回應大小上限
const maxResponseBytes = 1 << 20

// ErrOracleUnavailable 無法取得決策（連線失敗或非 2xx 回應）
var ErrOracleUnavailable = errors.New("oracle unavailable")

// HTTPOracle 以 HTTP POST 向外部服務請求決策
//
// 請求本體為 Request 的 JSON，另外附上 system 與 prompt 兩個文字欄位，
// 讓前端是語言模型代理時可以直接使用。回應可以是決策文件本身，或是
// 包在常見的訊息信封中（content[0].text、choices[0].message.content）。
type HTTPOracle struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPOracle 建立 HTTPOracle；timeout <= 0 使用 DefaultTimeout
func NewHTTPOracle(endpoint, token string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPOracle{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

type httpRequest struct {
	Request
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

// Decide 送出請求並解析回應；傳輸錯誤與非 2xx 回應以錯誤回傳
func (o *HTTPOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	body, err := json.Marshal(httpRequest{Request: req, System: SystemPrompt, Prompt: req.Prompt()})
	if err != nil {
		return nil, fmt.Errorf("encode oracle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrOracleUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrOracleUnavailable, resp.StatusCode, truncate(string(raw), rawReasonLimit))
	}

	return Parse(unwrapEnvelope(raw)), nil
}

// unwrapEnvelope 取出訊息信封中的文字；不是信封時原樣回傳
func unwrapEnvelope(raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return raw
	}
	for _, path := range []string{"content.0.text", "choices.0.message.content", "text"} {
		if v := gjson.GetBytes(raw, path); v.Type == gjson.String {
			return []byte(v.String())
		}
	}
	return raw
}
