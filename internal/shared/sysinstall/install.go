// Package sysinstall 以 systemd 服务方式部署 nodefleet
//
// 仅处理单机部署所需的三件事：服务用户、目录、unit 文件。
package sysinstall

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	ServiceUser = "nodefleet"
	ConfigDir   = "/etc/nodefleet"
	DataDir     = "/var/lib/nodefleet"
	UnitDir     = "/etc/systemd/system"
)

// Unit systemd 服务描述
type Unit struct {
	Name        string
	Description string
	BinaryPath  string
	EnvFile     string   // 可选
	After       []string // 额外依赖，如 postgresql.service
}

// Render 生成 unit 文件内容
func (u Unit) Render() string {
	after := append([]string{"network-online.target"}, u.After...)

	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\nDescription=%s\nAfter=%s\nWants=network-online.target\n\n",
		u.Description, strings.Join(after, " "))
	fmt.Fprintf(&b, "[Service]\nType=simple\nUser=%s\nGroup=%s\n", ServiceUser, ServiceUser)
	if u.EnvFile != "" {
		fmt.Fprintf(&b, "EnvironmentFile=-%s\n", u.EnvFile)
	}
	fmt.Fprintf(&b, "Environment=APP_ENV=prod\nExecStart=%s --config %s\n", u.BinaryPath, ConfigDir)
	b.WriteString("Restart=always\nRestartSec=5\n\n")
	b.WriteString("NoNewPrivileges=true\nProtectSystem=strict\nProtectHome=true\n")
	fmt.Fprintf(&b, "ReadWritePaths=%s /tmp\nPrivateTmp=true\n\n", DataDir)
	fmt.Fprintf(&b, "StandardOutput=journal\nStandardError=journal\nSyslogIdentifier=%s\n\n", u.Name)
	b.WriteString("[Install]\nWantedBy=multi-user.target\n")
	return b.String()
}

// Install 创建服务用户和目录，写入 unit 并 enable
func Install(u Unit) error {
	if os.Getuid() != 0 {
		return fmt.Errorf("sysinstall: must run as root")
	}
	if _, err := exec.LookPath("systemctl"); err != nil {
		return fmt.Errorf("sysinstall: systemctl not found")
	}
	if err := ensureUser(); err != nil {
		return err
	}
	for _, dir := range []string{ConfigDir, DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("sysinstall: mkdir %s: %w", dir, err)
		}
	}
	_ = exec.Command("chown", "-R", ServiceUser+":"+ServiceUser, DataDir).Run()

	path := filepath.Join(UnitDir, u.Name+".service")
	if err := os.WriteFile(path, []byte(u.Render()), 0644); err != nil {
		return fmt.Errorf("sysinstall: write unit: %w", err)
	}
	for _, args := range [][]string{{"daemon-reload"}, {"enable", u.Name}} {
		if out, err := exec.Command("systemctl", args...).CombinedOutput(); err != nil {
			return fmt.Errorf("sysinstall: systemctl %s: %v (%s)", args[0], err, strings.TrimSpace(string(out)))
		}
	}
	log.Printf("[sysinstall] unit=%s", path)
	return nil
}

// ExecutablePath 当前二进制的真实路径
func ExecutablePath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if real, err := filepath.EvalSymlinks(exe); err == nil {
		return real
	}
	return exe
}

func ensureUser() error {
	if _, err := user.Lookup(ServiceUser); err == nil {
		return nil
	}
	out, err := exec.Command("useradd", "--system", "--no-create-home",
		"--shell", "/usr/sbin/nologin", ServiceUser).CombinedOutput()
	if err != nil {
		return fmt.Errorf("sysinstall: useradd %s: %v (%s)", ServiceUser, err, strings.TrimSpace(string(out)))
	}
	log.Printf("[sysinstall] created user %s", ServiceUser)
	return nil
}
