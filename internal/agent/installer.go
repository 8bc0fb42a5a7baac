// Package agent 通过 SSH 安装与重启平台 Agent
//
// 流程：
//  1. uname -s 判断 Linux，命中则下载、授权、执行安装脚本，不再尝试 Windows
//  2. 否则 systeminfo | findstr Windows 判断 Windows，执行在线安装命令
//  3. 两者都不命中视为不支持的系统
//
// 成功与否由 Matcher 判定，原始输出随结果返回供诊断。
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"nodefleet/internal/config"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/sshexec"
)

// 远端操作系统
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

const (
	cmdDetectLinux   = "uname -s"
	cmdDetectWindows = "systeminfo | findstr Windows"
)

var (
	// ErrUnsupportedOS 远端既不是 Linux 也不是 Windows（重启只支持 Linux）
	ErrUnsupportedOS = errors.New("agent: unsupported operating system")
	// ErrNoInstallCmd 安装命令缺失
	ErrNoInstallCmd = errors.New("agent: install command is empty")
)

// Result 安装/重启结果
type Result struct {
	OS      string
	Success bool
	Output  string // 最后一步的原始输出
}

// Installer Agent 安装器
type Installer struct {
	exec        sshexec.Executor
	matcher     Matcher
	shutdownCmd string
	startupCmd  string
}

// NewInstaller 创建安装器
func NewInstaller(exec sshexec.Executor, cfg config.AgentConfig) *Installer {
	return &Installer{
		exec:        exec,
		matcher:     DefaultMatcher(cfg.StatusKey, cfg.SuccessMarker),
		shutdownCmd: cfg.ShutdownCmd,
		startupCmd:  cfg.StartupCmd,
	}
}

// WithMatcher 替换成功判定规则
func (i *Installer) WithMatcher(m Matcher) *Installer {
	i.matcher = m
	return i
}

// DetectOS 探测远端系统，无法识别时返回空串
func (i *Installer) DetectOS(ctx context.Context, target sshexec.Target) (string, error) {
	linux, err := i.isLinux(ctx, target)
	if err != nil {
		return "", err
	}
	if linux {
		return OSLinux, nil
	}
	windows, err := i.isWindows(ctx, target)
	if err != nil {
		return "", err
	}
	if windows {
		return OSWindows, nil
	}
	return "", nil
}

// Install 交互式安装：Linux 优先，非 Linux 再尝试 Windows
//
// 只有 SSH 层面的失败返回 error；脚本失败体现在 Result.Success。
func (i *Installer) Install(ctx context.Context, target sshexec.Target, cmd *model.AgentInstallCmd) (Result, error) {
	if cmd == nil || cmd.Empty() {
		return Result{}, ErrNoInstallCmd
	}

	linux, err := i.isLinux(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if linux {
		return i.installLinux(ctx, target, cmd)
	}

	windows, err := i.isWindows(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if windows {
		return i.installWindows(ctx, target, cmd)
	}

	log.Printf("[agent.install] host=%s os=unknown", target.Host)
	return Result{Output: "unsupported operating system"}, nil
}

// InstallLinux 只走 Linux 路径（批量自动安装使用）
func (i *Installer) InstallLinux(ctx context.Context, target sshexec.Target, cmd *model.AgentInstallCmd) (Result, error) {
	if cmd == nil || cmd.LinuxRunInstallScriptCmd == "" {
		return Result{}, ErrNoInstallCmd
	}
	linux, err := i.isLinux(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if !linux {
		return Result{Output: "not a linux host"}, nil
	}
	return i.installLinux(ctx, target, cmd)
}

// Restart 重启 Agent，仅支持 Linux
func (i *Installer) Restart(ctx context.Context, target sshexec.Target) (Result, error) {
	linux, err := i.isLinux(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if !linux {
		return Result{}, ErrUnsupportedOS
	}

	res, err := i.exec.Run(ctx, target, i.shutdownCmd)
	if err != nil {
		return Result{OS: OSLinux}, fmt.Errorf("agent shutdown: %w", err)
	}
	// 停止脚本在 Agent 未运行时可能非零退出，忽略
	if res.ExitCode != 0 {
		log.Printf("[agent.restart] host=%s shutdown exit=%d", target.Host, res.ExitCode)
	}

	res, err = i.exec.Run(ctx, target, i.startupCmd)
	if err != nil {
		return Result{OS: OSLinux}, fmt.Errorf("agent startup: %w", err)
	}
	return Result{OS: OSLinux, Success: res.ExitCode == 0, Output: res.Output()}, nil
}

// ============================================================================
// 内部
// ============================================================================

func (i *Installer) isLinux(ctx context.Context, target sshexec.Target) (bool, error) {
	res, err := i.exec.Run(ctx, target, cmdDetectLinux)
	if err != nil {
		return false, fmt.Errorf("detect os: %w", err)
	}
	return strings.Contains(strings.ToLower(res.Stdout), OSLinux), nil
}

func (i *Installer) isWindows(ctx context.Context, target sshexec.Target) (bool, error) {
	res, err := i.exec.Run(ctx, target, cmdDetectWindows)
	if err != nil {
		return false, fmt.Errorf("detect os: %w", err)
	}
	return strings.Contains(strings.ToLower(res.Stdout), OSWindows), nil
}

func (i *Installer) installLinux(ctx context.Context, target sshexec.Target, cmd *model.AgentInstallCmd) (Result, error) {
	steps := make([]string, 0, 3)
	if cmd.LinuxDownloadInstallScriptCmd != "" {
		steps = append(steps, cmd.LinuxDownloadInstallScriptCmd)
	}
	if cmd.LinuxInstallScriptName != "" {
		steps = append(steps, "chmod +x "+cmd.LinuxInstallScriptName)
	}
	steps = append(steps, cmd.LinuxRunInstallScriptCmd)

	var last sshexec.Result
	for n, step := range steps {
		res, err := i.exec.Run(ctx, target, step)
		if err != nil {
			return Result{OS: OSLinux, Output: last.Output()}, fmt.Errorf("linux install step %d: %w", n+1, err)
		}
		last = res
		if n < len(steps)-1 && res.ExitCode != 0 {
			log.Printf("[agent.install] host=%s step=%d exit=%d", target.Host, n+1, res.ExitCode)
			return Result{OS: OSLinux, Output: res.Output()}, nil
		}
	}
	ok := i.matcher.Match(last)
	log.Printf("[agent.install] host=%s os=linux success=%v", target.Host, ok)
	return Result{OS: OSLinux, Success: ok, Output: last.Output()}, nil
}

func (i *Installer) installWindows(ctx context.Context, target sshexec.Target, cmd *model.AgentInstallCmd) (Result, error) {
	if cmd.WindowsOnlineInstallCmd == "" {
		return Result{OS: OSWindows, Output: "no windows install command"}, nil
	}
	res, err := i.exec.Run(ctx, target, cmd.WindowsOnlineInstallCmd)
	if err != nil {
		return Result{OS: OSWindows}, fmt.Errorf("windows install: %w", err)
	}
	ok := i.matcher.Match(res)
	log.Printf("[agent.install] host=%s os=windows success=%v", target.Host, ok)
	return Result{OS: OSWindows, Success: ok, Output: res.Output()}, nil
}
