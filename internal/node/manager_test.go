package node

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodefleet/internal/agent"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/nodeinfo"
	"nodefleet/internal/shared/sshexec"
	"nodefleet/internal/shared/storage"
)

func TestNewManagerRequiresDeps(t *testing.T) {
	_, err := NewManager(Deps{})
	assert.Error(t, err)
}

// ============================================================================
// Add / Update / Rename / Enabled
// ============================================================================

func TestAdd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	n := &model.Node{Name: "a", IP: "10.0.0.1", Username: "root", Password: "secret", Roles: []string{model.RoleExecutor}}
	require.NoError(t, h.m.Add(ctx, tenant, []*model.Node{n}))
	require.NotZero(t, n.ID)
	assert.Empty(t, n.Password)

	got, err := h.m.Get(ctx, tenant, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeSourceOwn, got.Source)
	assert.Equal(t, []string{model.RoleExecutor}, got.Roles)
	assert.Nil(t, got.InstallAgentFlag)
	plain, err := h.codec.Decrypt(got.PasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestAddValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedOwn(t, "10.0.0.1")

	err := h.m.Add(ctx, tenant, []*model.Node{{IP: "10.0.0.1"}})
	assert.ErrorIs(t, err, ErrNodeIPDuplicate)

	err = h.m.Add(ctx, tenant, []*model.Node{{IP: "10.0.0.2"}, {IP: "10.0.0.2"}})
	assert.ErrorIs(t, err, ErrNodeIPDuplicate)

	err = h.m.Add(ctx, tenant, []*model.Node{{IP: ""}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = h.m.Add(ctx, tenant, []*model.Node{{IP: "10.0.0.3", Source: model.NodeSourceOnlineBuy, RegionID: "r", InstanceID: "i"}})
	assert.ErrorIs(t, err, ErrInvalidArgument, "tenants cannot register purchased nodes")

	h.quota.limit = 2
	err = h.m.Add(ctx, tenant, []*model.Node{{IP: "10.0.0.4"}, {IP: "10.0.0.5"}})
	assert.ErrorIs(t, err, ErrNodeQuotaExceeded)

	// 其他租户的相同 IP 不冲突
	other := model.Principal{TenantID: "t2"}
	require.NoError(t, h.m.Add(ctx, other, []*model.Node{{IP: "10.0.0.1"}}))

	nodes, err := h.m.List(ctx, tenant, storage.NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, nodes, 1, "failed adds must not leave rows behind")
}

func TestUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seedOwn(t, "10.0.0.1")
	b := h.seedOwn(t, "10.0.0.2")
	require.NoError(t, h.store.SetInstallAgentFlag(ctx, a.ID, model.Bool(false)))
	require.NoError(t, h.store.ReplaceNodeRoles(ctx, a.ID, []string{model.RoleMonitor}))

	err := h.m.Update(ctx, tenant, []*model.Node{{ID: a.ID, IP: "10.0.0.9", Name: "renamed", Roles: []string{model.RoleExecutor}}})
	require.NoError(t, err)

	got, err := h.m.Get(ctx, tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", got.IP)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, []string{model.RoleExecutor}, got.Roles)
	assert.Nil(t, got.InstallAgentFlag, "false flag is reset by configuration change")

	err = h.m.Update(ctx, tenant, []*model.Node{{ID: a.ID, IP: b.IP}})
	assert.ErrorIs(t, err, ErrNodeIPDuplicate)

	// 两个节点互换 IP 属于同一更新集合，不算冲突
	err = h.m.Update(ctx, tenant, []*model.Node{{ID: a.ID, IP: "10.0.0.2"}, {ID: b.ID, IP: "10.0.0.9"}})
	require.NoError(t, err)

	err = h.m.Update(ctx, tenant, []*model.Node{{ID: 9999, Name: "x"}})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestUpdatePurchasedNodeProtection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.seedBought(t, "cn-hangzhou", "i-1", nil)

	err := h.m.Update(ctx, tenant, []*model.Node{{ID: n.ID, Name: "mine", IP: "1.2.3.4", Spec: "ecs.huge"}})
	require.NoError(t, err)
	got := h.reload(t, n.ID)
	assert.Equal(t, "mine", got.Name)
	assert.Empty(t, got.IP)
	assert.Empty(t, got.Spec)

	err = h.m.Update(ctx, operator, []*model.Node{{ID: n.ID, Spec: "ecs.huge"}})
	require.NoError(t, err)
	assert.Equal(t, "ecs.huge", h.reload(t, n.ID).Spec)
}

func TestRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.seedOwn(t, "10.0.0.1")
	before := h.reload(t, n.ID)

	require.NoError(t, h.m.Rename(ctx, tenant, n.ID, before.Name))
	assert.Equal(t, before.UpdatedAt, h.reload(t, n.ID).UpdatedAt)

	require.NoError(t, h.m.Rename(ctx, tenant, n.ID, "new-name"))
	assert.Equal(t, "new-name", h.reload(t, n.ID).Name)

	assert.ErrorIs(t, h.m.Rename(ctx, tenant, 9999, "x"), ErrNodeNotFound)
	assert.ErrorIs(t, h.m.Rename(ctx, tenant, n.ID, " "), ErrInvalidArgument)
}

func TestEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seedOwn(t, "10.0.0.1")
	b := h.seedBought(t, "cn-hangzhou", "i-1", nil)

	require.NoError(t, h.m.Enabled(ctx, tenant, []int64{a.ID, b.ID}, false))
	assert.False(t, h.reload(t, a.ID).Enabled)
	assert.False(t, h.reload(t, b.ID).Enabled)

	err := h.m.Enabled(ctx, tenant, []int64{a.ID, 9999}, true)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.False(t, h.reload(t, a.ID).Enabled)
}

// ============================================================================
// Delete
// ============================================================================

func TestDeleteOwnAndPurchased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	own := h.seedOwn(t, "10.0.0.1")
	hz := h.seedBought(t, "cn-hangzhou", "i-hz", nil)
	sh := h.seedBought(t, "cn-shanghai", "i-sh", nil)

	_, err := h.m.Delete(ctx, tenant, []int64{own.ID, hz.ID})
	assert.ErrorIs(t, err, ErrPurchasedNodeProtected)
	assert.NotNil(t, h.reload(t, own.ID))

	h.cloud.deleteErr["cn-shanghai"] = errBoom
	res, err := h.m.Delete(ctx, operator, []int64{own.ID, hz.ID, sh.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{own.ID, hz.ID}, res.Deleted)
	assert.Equal(t, []int64{sh.ID}, res.Retained)

	assert.Nil(t, h.reload(t, own.ID))
	assert.Nil(t, h.reload(t, hz.ID))
	assert.NotNil(t, h.reload(t, sh.ID), "row stays when the cloud release fails")
	assert.Equal(t, []string{"i-hz"}, h.cloud.deletes["cn-hangzhou"])

	require.Len(t, h.nodeInfo.deleted, 1)
	assert.ElementsMatch(t, []int64{own.ID, hz.ID}, h.nodeInfo.deleted[0])
}

func TestDeleteExpiredPurchasedNodeByTenant(t *testing.T) {
	h := newHarness(t)
	past := h.now.Add(-time.Hour)
	n := h.seedBought(t, "cn-hangzhou", "i-1", &past)

	res, err := h.m.Delete(context.Background(), tenant, []int64{n.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{n.ID}, res.Deleted)
}

func TestDeleteShadowFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")
	h.nodeInfo.deleteErr = errBoom

	_, err := h.m.Delete(context.Background(), tenant, []int64{n.ID})
	require.NoError(t, err)
	assert.Nil(t, h.reload(t, n.ID))
}

// ============================================================================
// Purchase / Renew
// ============================================================================

func TestPurchaseOrderChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exp := h.now.Add(30 * 24 * time.Hour)
	h.orders.orders["o-1"] = &model.OrderDetail{OrderID: "o-1", TenantID: "t1", NodeNum: 150, ExpiredDate: &exp,
		Spec: model.InstanceSpec{InstanceType: "ecs.c6.large", ChargeType: model.ChargeTypePrePaid, Roles: []string{model.RoleExecutor}}}

	nodes := h.m.PurchaseOrder(ctx, "o-1", "t1")
	require.Len(t, nodes, 150)
	assert.Empty(t, h.events.events)

	require.Len(t, h.cloud.purchases, 2)
	assert.Equal(t, 100, h.cloud.purchases[0].Amount)
	assert.Equal(t, 50, h.cloud.purchases[1].Amount)
	assert.Equal(t, "order-o-1-0", h.cloud.purchases[0].ClientToken)
	assert.Equal(t, "order-o-1-1", h.cloud.purchases[1].ClientToken)
	assert.NotEmpty(t, h.cloud.purchases[0].Password)

	stored, err := h.m.Get(ctx, tenant, nodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeSourceOnlineBuy, stored.Source)
	assert.Equal(t, "o-1", stored.OrderID)
	assert.Equal(t, []string{model.RoleExecutor}, stored.Roles)
	plain, err := h.codec.Decrypt(stored.PasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, h.cloud.purchases[0].Password, plain)
}

// 地域搜索超时：不落库，发出一条引用订单号的异常事件
func TestPurchaseOrderRegionTimeout(t *testing.T) {
	h := newHarness(t)
	h.cloud.region = ""
	h.orders.orders["42"] = &model.OrderDetail{OrderID: "42", TenantID: "7", NodeNum: 3,
		Spec: model.InstanceSpec{InstanceType: "ecs.c6.large"}}

	nodes := h.m.PurchaseOrder(context.Background(), "42", "7")
	assert.Empty(t, nodes)
	assert.Empty(t, h.cloud.purchases)

	count, err := h.store.CountNodes(context.Background(), "7")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Equal(t, "42", ev.OrderID)
	assert.Equal(t, "7", ev.TenantID)
	assert.Equal(t, 3, ev.NodeNum)
	assert.Contains(t, ev.Cause, string(CodeCloudResNotAvailable))
}

func TestPurchaseOrderPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.cloud.purchaseErr = func(call int) error {
		if call == 1 {
			return errBoom
		}
		return nil
	}
	h.orders.orders["o-2"] = &model.OrderDetail{OrderID: "o-2", NodeNum: 120, Spec: model.InstanceSpec{InstanceType: "ecs.c6.large"}}

	nodes := h.m.PurchaseOrder(context.Background(), "o-2", "t1")
	assert.Len(t, nodes, 100)

	count, err := h.store.CountNodes(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, count, "the paid first batch is persisted")

	require.Len(t, h.events.events, 1)
	assert.Equal(t, 100, h.events.events[0].Purchased)
}

// 实例已创建但落库失败：事件带上地域与实例 ID
func TestPurchaseOrderUnpersistedInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.DB().ExecContext(ctx, `DROP TABLE node_role`)
	require.NoError(t, err)
	h.orders.orders["o-4"] = &model.OrderDetail{OrderID: "o-4", NodeNum: 3,
		Spec: model.InstanceSpec{InstanceType: "ecs.c6.large", Roles: []string{model.RoleExecutor}}}

	nodes := h.m.PurchaseOrder(ctx, "o-4", "t1")
	assert.Empty(t, nodes)
	require.Len(t, h.cloud.purchases, 1)

	count, err := h.store.CountNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Zero(t, ev.Purchased)
	assert.Equal(t, "cn-hangzhou", ev.Region)
	assert.Equal(t, []string{"i-0001", "i-0002", "i-0003"}, ev.InstanceIDs)
	assert.Contains(t, ev.Cause, "not persisted")
}

func TestPurchaseOrderMissingOrderAndQuota(t *testing.T) {
	h := newHarness(t)
	assert.Empty(t, h.m.PurchaseOrder(context.Background(), "missing", "t1"))
	require.Len(t, h.events.events, 1)
	assert.Contains(t, h.events.events[0].Cause, string(CodeOrderNotFound))

	h.quota.limit = 1
	h.orders.orders["o-3"] = &model.OrderDetail{OrderID: "o-3", NodeNum: 2, Spec: model.InstanceSpec{InstanceType: "x"}}
	assert.Empty(t, h.m.PurchaseOrder(context.Background(), "o-3", "t1"))
	require.Len(t, h.events.events, 2)
	assert.Contains(t, h.events.events[1].Cause, string(CodeNodeQuotaExceeded))
}

func TestPurchaseDirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := model.InstanceSpec{InstanceType: "ecs.c6.large"}

	nodes, err := h.m.Purchase(ctx, tenant, spec, 2)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Equal(t, model.ChargeTypePostPaid, h.cloud.purchases[0].Spec.ChargeType)
	assert.Empty(t, h.cloud.purchases[0].ClientToken)

	h.cloud.region = ""
	_, err = h.m.Purchase(ctx, tenant, spec, 1)
	assert.ErrorIs(t, err, ErrCloudResNotAvailable)

	h.cloud.regionErr = errBoom
	_, err = h.m.Purchase(ctx, tenant, spec, 1)
	assert.ErrorIs(t, err, ErrCloudResNotAvailable)
	assert.ErrorIs(t, err, errBoom)

	_, err = h.m.Purchase(ctx, tenant, spec, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, h.events.events)
}

func TestRenew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.now.Add(24 * time.Hour)
	n := h.seedBought(t, "cn-hangzhou", "i-1", &old)

	newExp := h.now.Add(60 * 24 * time.Hour)
	h.orders.orders["renew-1"] = &model.OrderDetail{OrderID: "renew-1", ExpiredDate: &newExp}

	count, err := h.m.Renew(ctx, "renew-1", "order-1", "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	got := h.reload(t, n.ID)
	assert.Equal(t, "renew-1", got.OrderID)
	assert.True(t, newExp.Equal(*got.InstanceExpiredDate))

	_, err = h.m.Renew(ctx, "nope", "order-1", "t1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// ============================================================================
// Agent
// ============================================================================

func TestAgentInstall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.seedOwn(t, "10.0.0.1")

	require.NoError(t, h.m.AgentInstall(ctx, tenant, n.ID))
	assert.True(t, h.reload(t, n.ID).AgentInstalled())
	require.Len(t, h.installer.installs, 1)
	assert.Equal(t, "pw", h.installer.installs[0].Password)

	err := h.m.AgentInstall(ctx, tenant, n.ID)
	assert.ErrorIs(t, err, ErrAgentIsInstalled)
	assert.Len(t, h.installer.installs, 1)
}

func TestAgentInstallUnreachable(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")
	h.prober.down["10.0.0.1"] = true

	err := h.m.AgentInstall(context.Background(), tenant, n.ID)
	assert.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Empty(t, h.installer.installs)
}

// 影子服务显示已安装：报错但标记照常提交
func TestAgentInstallOutOfBand(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")
	h.nodeInfo.details[n.ID] = nodeinfo.Found(true)

	err := h.m.AgentInstall(context.Background(), tenant, n.ID)
	assert.ErrorIs(t, err, ErrAgentIsInstalled)
	assert.False(t, storage.IsNoRollback(err))
	assert.True(t, h.reload(t, n.ID).AgentInstalled())
	assert.Empty(t, h.installer.installs)
}

// 查询影子服务时不持有数据库连接：内存库只有一个连接，事务未结束时这里会超时
func TestAgentInstallShadowQueryOutsideTx(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")
	h.nodeInfo.details[n.ID] = nodeinfo.Found(true)
	h.nodeInfo.onDetail = func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := h.store.CountNodes(ctx, "t1")
		assert.NoError(t, err)
	}

	err := h.m.AgentInstall(context.Background(), tenant, n.ID)
	assert.ErrorIs(t, err, ErrAgentIsInstalled)
	assert.True(t, h.reload(t, n.ID).AgentInstalled())
}

func TestAgentInstallShadowTransientError(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")
	h.nodeInfo.detailErr = errBoom

	err := h.m.AgentInstall(context.Background(), tenant, n.ID)
	assert.ErrorIs(t, err, errBoom)
	assert.Nil(t, h.reload(t, n.ID).InstallAgentFlag)
	assert.Empty(t, h.installer.installs)
}

func TestAgentInstallScriptFailure(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")
	h.installer.result = agent.Result{OS: agent.OSLinux, Output: "error: disk full"}

	err := h.m.AgentInstall(context.Background(), tenant, n.ID)
	require.ErrorIs(t, err, ErrInstallAgentFailed)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "error: disk full", e.Detail)
	assert.Nil(t, h.reload(t, n.ID).InstallAgentFlag, "interactive install never writes false")
}

func TestAgentRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.seedOwn(t, "10.0.0.1")

	h.installer.restart = agent.Result{OS: agent.OSLinux, Success: true}
	require.NoError(t, h.m.AgentRestart(ctx, tenant, n.ID))

	h.installer.restartEr = agent.ErrUnsupportedOS
	assert.ErrorIs(t, h.m.AgentRestart(ctx, tenant, n.ID), ErrUnsupportedOS)

	h.installer.restartEr = nil
	h.installer.restart = agent.Result{OS: agent.OSLinux, Output: "no such file"}
	err := h.m.AgentRestart(ctx, tenant, n.ID)
	assert.ErrorIs(t, err, ErrRestartAgentFailed)
	assert.Equal(t, CodeRestartAgentFailed, CodeOf(err))
}

func TestAgentInstallCmd(t *testing.T) {
	h := newHarness(t)
	n := h.seedOwn(t, "10.0.0.1")

	cmd, err := h.m.AgentInstallCmd(context.Background(), tenant, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "./install.sh", cmd.LinuxRunInstallScriptCmd)

	_, err = h.m.AgentInstallCmd(context.Background(), tenant, 9999)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

// ============================================================================
// 批量对账
// ============================================================================

func TestAgentAutoInstall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ok := h.seedOwn(t, "10.0.0.1")
	bad := h.seedOwn(t, "10.0.0.2")
	down := h.seedOwn(t, "10.0.0.3")
	h.prober.down["10.0.0.3"] = true
	h.installer.byHost = map[string]agent.Result{
		"10.0.0.1": {OS: agent.OSLinux, Success: true},
		"10.0.0.2": {OS: agent.OSLinux, Output: "marker missing"},
	}

	stats, err := h.m.AgentAutoInstall(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, AutoInstallStats{Candidates: 3, Unreachable: 1, Installed: 1, Failed: 1}, stats)

	assert.True(t, h.reload(t, ok.ID).AgentInstalled())
	badFlag := h.reload(t, bad.ID).InstallAgentFlag
	require.NotNil(t, badFlag)
	assert.False(t, *badFlag)
	assert.Nil(t, h.reload(t, down.ID).InstallAgentFlag)
	assert.Contains(t, h.archive.logs[bad.ID], "marker missing")
	assert.Empty(t, h.installer.installs, "batch path never uses the interactive installer")

	keys, err := h.m.AgentInstallLogs(ctx, tenant, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprintf("agent-install/%d/x.log", bad.ID)}, keys)
	_, err = h.m.AgentInstallLogs(ctx, tenant, 9999)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	// 第二轮只剩不可达节点
	h.prober.down["10.0.0.3"] = false
	stats, err = h.m.AgentAutoInstall(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
}

// 批量安装期间交互式安装已提交 true，批量失败不得回写 false
func TestAgentAutoInstallKeepsConcurrentFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.seedOwn(t, "10.0.0.1")
	h.installer.result = agent.Result{OS: agent.OSLinux, Output: "marker missing"}
	h.installer.duringLinux = func(sshexec.Target) {
		require.NoError(t, h.store.SetInstallAgentFlag(ctx, n.ID, model.Bool(true)))
	}

	stats, err := h.m.AgentAutoInstall(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.True(t, h.reload(t, n.ID).AgentInstalled(), "install flag never goes back from true")
}

func TestSyncInstanceInfoRegionIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seedBought(t, "cn-beijing", "i-a", nil)
	b := h.seedBought(t, "cn-hangzhou", "i-b", nil)
	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	h.cloud.describeErr["cn-beijing"] = errBoom
	h.cloud.describe["cn-hangzhou"] = map[string]*model.Node{
		"i-b": {InstanceStatus: model.InstanceStatusRunning, IP: "172.16.0.2", PublicIP: "47.0.0.2", InstanceExpiredDate: &exp, CPU: 2, MemoryMB: 4096},
	}

	stats, err := h.m.SyncInstanceInfo(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Candidates: 2, Updated: 1, FailedRegions: 1}, stats)

	gotB := h.reload(t, b.ID)
	assert.Equal(t, "172.16.0.2", gotB.IP)
	assert.True(t, gotB.InstanceSynced)
	assert.Equal(t, 4096, gotB.MemoryMB)
	assert.Empty(t, h.reload(t, a.ID).IP)
}

func TestSyncInstanceInfoIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	n := h.seedBought(t, "cn-hangzhou", "i-1", nil)
	h.cloud.describe["cn-hangzhou"] = map[string]*model.Node{
		"i-1": {InstanceStatus: model.InstanceStatusStarting},
	}

	stats, err := h.m.SyncInstanceInfo(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	first := h.reload(t, n.ID)
	assert.False(t, first.InstanceSynced)

	stats, err = h.m.SyncInstanceInfo(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, stats.Updated)
	assert.Equal(t, first.UpdatedAt, h.reload(t, n.ID).UpdatedAt)
}

// 到期 90 分钟的节点：删除记录、云上释放一次、影子记录删除
func TestExpireAndDeleteScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := func(d time.Duration) *time.Time { v := h.now.Add(d); return &v }
	old := h.seedBought(t, "cn-hangzhou", "i-old", at(-90*time.Minute))
	recent := h.seedBought(t, "cn-hangzhou", "i-recent", at(-30*time.Minute))
	edge := h.seedBought(t, "cn-hangzhou", "i-edge", at(-60*time.Minute))

	stats, err := h.m.ExpireAndDeleteAliYunInstances(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Marked)
	assert.Equal(t, 1, stats.Deleted)

	assert.Nil(t, h.reload(t, old.ID))
	assert.NotNil(t, h.reload(t, recent.ID))
	assert.NotNil(t, h.reload(t, edge.ID))
	assert.Equal(t, []string{"i-old"}, h.cloud.deletes["cn-hangzhou"])
	assert.Equal(t, [][]int64{{old.ID}}, h.nodeInfo.deleted)
}

func TestExpireRetainsOnCloudFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := h.now.Add(-2 * time.Hour)
	n := h.seedBought(t, "cn-hangzhou", "i-1", &past)
	h.cloud.deleteErr["cn-hangzhou"] = errBoom

	stats, err := h.m.ExpireAndDeleteAliYunInstances(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retained)

	// 下一轮云侧恢复后释放
	delete(h.cloud.deleteErr, "cn-hangzhou")
	stats, err = h.m.ExpireAndDeleteAliYunInstances(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, stats.Marked)
	assert.Equal(t, 1, stats.Deleted)
	_, err = h.m.Get(ctx, operator, n.ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestStopRestartInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hz := h.seedBought(t, "cn-hangzhou", "i-hz", nil)
	bj := h.seedBought(t, "cn-beijing", "i-bj", nil)
	own := h.seedOwn(t, "10.0.0.1")

	res, err := h.m.StopInstances(ctx, tenant, []int64{hz.ID, bj.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{hz.ID, bj.ID}, res.Succeeded)
	assert.Equal(t, []string{"i-hz"}, h.cloud.stops["cn-hangzhou"])
	assert.Equal(t, []string{"i-bj"}, h.cloud.stops["cn-beijing"])

	_, err = h.m.RestartInstances(ctx, tenant, []int64{hz.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-hz"}, h.cloud.restarts["cn-hangzhou"])

	_, err = h.m.StopInstances(ctx, tenant, []int64{own.ID})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestErrorCodes(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(CodeNodeNotFound, "node %d not found", 1))
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.NotErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, CodeNodeNotFound, CodeOf(err))
	assert.Empty(t, CodeOf(errBoom))

	nr := storage.NoRollback(newError(CodeAgentIsInstalled, "x"))
	assert.ErrorIs(t, nr, ErrAgentIsInstalled)
}
