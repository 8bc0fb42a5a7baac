package node

import (
	"context"
	"errors"
	"fmt"
	"log"

	"nodefleet/internal/agent"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/storage"
)

// AgentInstall 交互式安装 Agent
//
//  1. 已安装则拒绝
//  2. 同步探测连通性（ping + SSH 握手）
//  3. 影子服务显示已在带外安装：本地标记已安装并以 AGENT_IS_INSTALLED 返回，标记照常提交
//  4. 按 Linux → Windows 顺序执行安装脚本
//  5. 成功后标记已安装；失败返回 INSTALL_AGENT_FAILED 并带上原始输出
func (m *Manager) AgentInstall(ctx context.Context, p model.Principal, id int64) error {
	ctx = model.WithPrincipal(ctx, p)
	n, err := m.mustGet(ctx, p.TenantID, id)
	if err != nil {
		return err
	}
	if n.AgentInstalled() {
		return newError(CodeAgentIsInstalled, "agent is already installed on node %d", id)
	}

	target, err := m.target(n)
	if err != nil {
		return err
	}
	if err := m.prober.Probe(ctx, target); err != nil {
		return wrapError(CodeNodeUnreachable, err, "node %d (%s) is unreachable", id, target.Addr())
	}

	detail, err := m.nodeInfo.Detail(ctx, id, n.IsOnlineBuy())
	if err != nil {
		return fmt.Errorf("node info detail: %w", err)
	}
	if detail.InstalledOutOfBand() {
		// 事务内不发起远程调用
		log.Printf("[node.agent_install] node=%d installed out of band", id)
		return m.repo.WithinTx(ctx, func(repo storage.NodeRepository) error {
			if err := repo.SetInstallAgentFlag(ctx, id, model.Bool(true)); err != nil {
				return err
			}
			return storage.NoRollback(newError(CodeAgentIsInstalled, "agent on node %d was installed out of band", id))
		})
	}

	cmd, err := m.nodeInfo.AgentInstallCmd(ctx, id)
	if err != nil {
		return wrapError(CodeInstallAgentFailed, err, "fetch install command for node %d", id)
	}
	res, err := m.installer.Install(ctx, target, cmd)
	if err != nil {
		return &Error{Code: CodeInstallAgentFailed, Message: fmt.Sprintf("install agent on node %d", id), Detail: res.Output, Err: err}
	}
	if !res.Success {
		log.Printf("[node.agent_install] node=%d os=%s success=false", id, res.OS)
		return &Error{Code: CodeInstallAgentFailed, Message: fmt.Sprintf("install agent on node %d", id), Detail: res.Output}
	}

	if err := m.repo.SetInstallAgentFlag(ctx, id, model.Bool(true)); err != nil {
		return fmt.Errorf("mark agent installed on node %d: %w", id, err)
	}
	log.Printf("[node.agent_install] node=%d os=%s success=true", id, res.OS)
	return nil
}

// AgentRestart 重启 Agent（仅 Linux）
func (m *Manager) AgentRestart(ctx context.Context, p model.Principal, id int64) error {
	ctx = model.WithPrincipal(ctx, p)
	n, err := m.mustGet(ctx, p.TenantID, id)
	if err != nil {
		return err
	}
	target, err := m.target(n)
	if err != nil {
		return err
	}
	if err := m.prober.Probe(ctx, target); err != nil {
		return wrapError(CodeNodeUnreachable, err, "node %d (%s) is unreachable", id, target.Addr())
	}

	res, err := m.installer.Restart(ctx, target)
	if errors.Is(err, agent.ErrUnsupportedOS) {
		return wrapError(CodeUnsupportedOS, err, "restart agent on node %d", id)
	}
	if err != nil {
		return &Error{Code: CodeRestartAgentFailed, Message: fmt.Sprintf("restart agent on node %d", id), Detail: res.Output, Err: err}
	}
	if !res.Success {
		return &Error{Code: CodeRestartAgentFailed, Message: fmt.Sprintf("restart agent on node %d", id), Detail: res.Output}
	}
	log.Printf("[node.agent_restart] node=%d ok", id)
	return nil
}
