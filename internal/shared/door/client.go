// Package door 平台内部 API（door）客户端
//
// 提供：节点信息影子服务、订单详情、租户节点配额。
// 响应统一为 {"code": 0, "message": "", "data": ...}，HTTP 404 表示资源不存在。
package door

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nodefleet/internal/config"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/nodeinfo"
)

// errNotFound 内部哨兵：HTTP 404
var errNotFound = errors.New("door: not found")

// APIError door 返回的业务错误
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("door: status=%d code=%d message=%s", e.Status, e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client door HTTP 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ nodeinfo.Service = (*Client)(nil)

// NewClient 创建 door 客户端
func NewClient(cfg config.DoorConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("door base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ============================================================================
// 节点信息影子服务
// ============================================================================

type nodeDetail struct {
	AgentInstalledFlag bool `json:"agentInstalledFlag"`
}

// Detail 查询节点影子记录
func (c *Client) Detail(ctx context.Context, nodeID int64, freeNode bool) (nodeinfo.DetailResult, error) {
	q := url.Values{}
	q.Set("isFreeNode", strconv.FormatBool(freeNode))
	var d nodeDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/node-info/%d?%s", nodeID, q.Encode()), nil, &d)
	if errors.Is(err, errNotFound) {
		return nodeinfo.NotFound(), nil
	}
	if err != nil {
		return nodeinfo.DetailResult{}, err
	}
	return nodeinfo.Found(d.AgentInstalledFlag), nil
}

// Delete 删除节点影子记录
func (c *Client) Delete(ctx context.Context, nodeIDs []int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	body := map[string]interface{}{"nodeIds": nodeIDs}
	err := c.do(ctx, http.MethodPost, "/api/v1/node-info/delete", body, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// AgentInstallCmd 获取节点的 Agent 安装命令集
func (c *Client) AgentInstallCmd(ctx context.Context, nodeID int64) (*model.AgentInstallCmd, error) {
	var cmd model.AgentInstallCmd
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/node-info/%d/agent-install-cmd", nodeID), nil, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ============================================================================
// 订单 / 配额
// ============================================================================

// OrderDetail 查询订单详情，订单不存在时返回 (nil, nil)
func (c *Client) OrderDetail(ctx context.Context, tenantID, orderID string) (*model.OrderDetail, error) {
	q := url.Values{}
	q.Set("tenantId", tenantID)
	var o model.OrderDetail
	err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID)+"?"+q.Encode(), nil, &o)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

type quota struct {
	MaxNodes int `json:"maxNodes"`
}

// NodeQuota 查询租户节点配额；0 表示不限制
func (c *Client) NodeQuota(ctx context.Context, tenantID string) (int, error) {
	var q quota
	if err := c.do(ctx, http.MethodGet, "/api/v1/tenants/"+url.PathEscape(tenantID)+"/node-quota", nil, &q); err != nil {
		return 0, err
	}
	return q.MaxNodes, nil
}

// ============================================================================
// HTTP
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("door: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("door: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("door: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("door: read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return &APIError{Status: resp.StatusCode, Code: -1, Message: truncate(string(raw), 200)}
		}
	}
	if resp.StatusCode >= 300 || env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("door: decode data: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
