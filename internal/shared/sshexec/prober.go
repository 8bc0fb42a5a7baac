package sshexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

var (
	// ErrUnreachable 端口不可达
	ErrUnreachable = errors.New("host unreachable")
	// ErrHandshake SSH 握手或认证失败
	ErrHandshake = errors.New("ssh handshake failed")
)

// Prober 连通性探测
type Prober interface {
	// Probe 先探测端口（ping），再完成一次 SSH 握手；不可用时返回错误
	Probe(ctx context.Context, target Target) error
	// IsAvailable 轻量版本：只返回布尔值，不抛错
	IsAvailable(ctx context.Context, target Target) bool
}

// NetProber TCP + SSH 握手探测
type NetProber struct {
	Timeout time.Duration
	client  *Client
}

var _ Prober = (*NetProber)(nil)

// NewProber 创建探测器，timeout 同时约束 TCP 建连和 SSH 握手
func NewProber(timeout time.Duration) *NetProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetProber{Timeout: timeout, client: NewClient(timeout)}
}

// Ping TCP 建连探测
func (p *NetProber) Ping(ctx context.Context, target Target) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, target.Addr(), err)
	}
	return conn.Close()
}

// Probe 实现 Prober
func (p *NetProber) Probe(ctx context.Context, target Target) error {
	if err := p.Ping(ctx, target); err != nil {
		return err
	}
	client, err := p.client.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return client.Close()
}

// IsAvailable 实现 Prober
func (p *NetProber) IsAvailable(ctx context.Context, target Target) bool {
	if err := p.Probe(ctx, target); err != nil {
		log.Printf("[sshexec.probe] host=%s unavailable err=%v", target.Addr(), err)
		return false
	}
	return true
}
