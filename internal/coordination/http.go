package coordination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCollaborator 把请求以 JSON POST 到协作方的端点。
type HTTPCollaborator struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPCollaborator 创建基于 HTTP 的协作方。
func NewHTTPCollaborator(endpoint, token string, timeout time.Duration) (*HTTPCollaborator, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("协作方地址不能为空")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCollaborator{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Handle 实现 Collaborator。
func (h *HTTPCollaborator) Handle(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("序列化协作请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("构建协作请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("请求协作方失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Response{}, fmt.Errorf("协作方返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if err == io.EOF {
			return Response{Accepted: true}, nil
		}
		return Response{}, fmt.Errorf("解析协作方响应失败: %w", err)
	}
	return out, nil
}

var _ Collaborator = (*HTTPCollaborator)(nil)
