package agent

import (
	"bufio"
	"strings"

	"nodefleet/internal/shared/sshexec"
)

// Matcher 判定一次安装脚本执行是否成功
type Matcher interface {
	Match(r sshexec.Result) bool
}

// MarkerMatcher 输出中包含固定标记即视为成功
type MarkerMatcher struct {
	Marker string
}

func (m MarkerMatcher) Match(r sshexec.Result) bool {
	return m.Marker != "" && strings.Contains(r.Output(), m.Marker)
}

// StatusLineMatcher 结构化状态行：退出码为 0 且输出含 `<Key>=ok`
type StatusLineMatcher struct {
	Key string
}

func (m StatusLineMatcher) Match(r sshexec.Result) bool {
	if m.Key == "" || r.ExitCode != 0 {
		return false
	}
	prefix := m.Key + "="
	sc := bufio.NewScanner(strings.NewReader(r.Output()))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, prefix); ok {
			return strings.EqualFold(strings.TrimSpace(v), "ok")
		}
	}
	return false
}

// AnyMatcher 任一规则命中即成功
type AnyMatcher []Matcher

func (a AnyMatcher) Match(r sshexec.Result) bool {
	for _, m := range a {
		if m.Match(r) {
			return true
		}
	}
	return false
}

// DefaultMatcher 状态行优先，兼容旧版脚本的成功标记
func DefaultMatcher(statusKey, marker string) Matcher {
	return AnyMatcher{StatusLineMatcher{Key: statusKey}, MarkerMatcher{Marker: marker}}
}
