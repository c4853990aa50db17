package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"contextcache/internal/history"
)

// 转发协议路径，相对于 RelayHandler 的挂载点
const (
	relayPathGet    = "/get"
	relayPathSet    = "/set"
	relayPathRemove = "/remove"
	relayPathUsage  = "/usage"
)

type relayKeysRequest struct {
	Keys []string `json:"keys"`
}

// []byte 在 JSON 中按 base64 编码
type relayItems struct {
	Items map[string][]byte `json:"items"`
}

type relayUsage struct {
	BytesInUse    int64 `json:"bytesInUse"`
	CapacityBytes int64 `json:"capacityBytes"`
}

type relayError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// RelayPort 把 PersistencePort 调用转发给另一个进程中的 RelayHandler
// 507 映射为容量错误，其余失败均视为后端不可用
type RelayPort struct {
	baseURL  string
	token    string
	client   *http.Client
	capacity atomic.Int64
}

// RelayOption RelayPort 选项
type RelayOption func(*RelayPort)

// WithRelayHTTPClient 替换 HTTP 客户端
func WithRelayHTTPClient(c *http.Client) RelayOption {
	return func(p *RelayPort) {
		if c != nil {
			p.client = c
		}
	}
}

// WithRelayToken 请求携带的 Bearer Token
func WithRelayToken(token string) RelayOption {
	return func(p *RelayPort) {
		p.token = token
	}
}

// NewRelayPort 创建转发后端；baseURL 指向对端 RelayHandler 的挂载点
func NewRelayPort(baseURL string, timeout time.Duration, opts ...RelayOption) *RelayPort {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &RelayPort{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RelayPort) Get(ctx context.Context, keys []string) (out map[string][]byte, err error) {
	start := time.Now()
	defer func() { observe(BackendRelay, "get", start, err) }()

	var resp relayItems
	if err = p.do(ctx, http.MethodPost, relayPathGet, relayKeysRequest{Keys: keys}, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = map[string][]byte{}
	}
	return resp.Items, nil
}

func (p *RelayPort) Set(ctx context.Context, items map[string][]byte) (err error) {
	start := time.Now()
	defer func() { observe(BackendRelay, "set", start, err) }()

	return p.do(ctx, http.MethodPost, relayPathSet, relayItems{Items: items}, nil)
}

func (p *RelayPort) Remove(ctx context.Context, keys []string) (err error) {
	start := time.Now()
	defer func() { observe(BackendRelay, "remove", start, err) }()

	return p.do(ctx, http.MethodPost, relayPathRemove, relayKeysRequest{Keys: keys}, nil)
}

// BytesInUse 同时刷新对端容量
func (p *RelayPort) BytesInUse(ctx context.Context) (int64, error) {
	var resp relayUsage
	if err := p.do(ctx, http.MethodGet, relayPathUsage, nil, &resp); err != nil {
		return 0, err
	}
	p.capacity.Store(resp.CapacityBytes)
	return resp.BytesInUse, nil
}

// CapacityBytes 最近一次 BytesInUse 得到的对端容量，尚未取得时为 0
func (p *RelayPort) CapacityBytes() int64 { return p.capacity.Load() }

func (p *RelayPort) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return unavailable("构造请求失败", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return unavailable("请求对端失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var re relayError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&re)
		if resp.StatusCode == http.StatusInsufficientStorage {
			return fmt.Errorf("%w: %s", history.ErrCapacityExceeded, re.Error)
		}
		return fmt.Errorf("%w: 对端返回 %d: %s", history.ErrBackendUnavailable, resp.StatusCode, re.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return unavailable("解析响应失败", err)
	}
	return nil
}
