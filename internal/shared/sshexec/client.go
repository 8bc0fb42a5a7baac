// Package sshexec 通过 SSH 在远程主机上执行命令，并提供连通性探测
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultTimeout SSH 建连超时
const DefaultTimeout = 10 * time.Second

// Target 远程主机连接参数（密码为明文，由调用方解密）
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr 返回 host:port
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Result 命令执行结果
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output 合并 stdout 与 stderr，用于诊断与成功标记匹配
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor 远程命令执行器
//
// 命令以非零状态退出不算错误，退出码记录在 Result.ExitCode；
// 只有连接、认证、会话层面的失败才返回 error。
type Executor interface {
	Run(ctx context.Context, target Target, command string) (Result, error)
}

// Client 基于 golang.org/x/crypto/ssh 的 Executor 实现，每次调用独立建连
type Client struct {
	Timeout time.Duration
}

var _ Executor = (*Client)(nil)

// NewClient 创建 SSH 执行器
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Timeout: timeout}
}

// Run 建连、执行单条命令、断开
func (c *Client) Run(ctx context.Context, target Target, command string) (Result, error) {
	client, err := c.dial(ctx, target)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// 关闭会话后等待 Run 返回，缓冲区此时不再被写入
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		_ = client.Close()
		<-errCh
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	case err := <-errCh:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("exec on %s: %w", target.Addr(), err)
		}
		return res, nil
	}
}

// dial 建立 SSH 连接（TCP 建连受 ctx 与超时双重约束）
func (c *Client) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.Timeout,
	}

	addr := target.Addr()
	dialer := &net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	// 握手完成后取消超时，命令执行时长由 ctx 控制
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}
