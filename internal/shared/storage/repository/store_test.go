// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/storage"
	"nodefleet/internal/shared/storage/dbutil"
	sqlitedriver "nodefleet/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func ownNode(tenant, ip string) *model.Node {
	return &model.Node{TenantID: tenant, Name: "n-" + ip, IP: ip, SSHPort: 22, Username: "root",
		Source: model.NodeSourceOwn, Enabled: true}
}

func boughtNode(tenant, region, instanceID string, expired *time.Time) *model.Node {
	return &model.Node{TenantID: tenant, Name: instanceID, SSHPort: 22, Username: "root",
		Source: model.NodeSourceOnlineBuy, Enabled: true, RegionID: region, InstanceID: instanceID,
		OrderID: "order-1", InstanceExpiredDate: expired}
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "1", d.BooleanLiteral(true))
	assert.Equal(t, "0", d.BooleanLiteral(false))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
	assert.Equal(t, "$3, $4, $5", dbutil.Placeholders(3, 3))
}

// ============================================================================
// Node 测试
// ============================================================================

func TestNodeInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := ownNode("t1", "10.0.0.1")
	n.PublicIP = "1.2.3.4"
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{n}))
	require.NotZero(t, n.ID)

	got, err := s.GetNode(ctx, "t1", n.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.1", got.IP)
	assert.Equal(t, "1.2.3.4", got.ConnectHost())
	assert.Equal(t, model.NodeSourceOwn, got.Source)
	assert.Nil(t, got.InstallAgentFlag)
	assert.Nil(t, got.InstanceExpiredDate)
	assert.True(t, got.Enabled)

	// 其他租户不可见
	other, err := s.GetNode(ctx, "t2", n.ID)
	require.NoError(t, err)
	assert.Nil(t, other)

	count, err := s.CountNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOnlineBuyRequiresInstance(t *testing.T) {
	s := newTestStore(t)
	n := boughtNode("t1", "", "", nil)
	assert.Error(t, s.InsertNodes(context.Background(), []*model.Node{n}))
}

func TestFindIPConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := ownNode("t1", "10.0.0.1"), ownNode("t1", "10.0.0.2")
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{a, b, ownNode("t2", "10.0.0.3")}))

	dup, err := s.FindIPConflicts(ctx, "t1", []string{"10.0.0.1", "10.0.0.3", "10.0.0.9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, dup)

	dup, err = s.FindIPConflicts(ctx, "t1", []string{"10.0.0.1"}, []int64{a.ID})
	require.NoError(t, err)
	assert.Empty(t, dup)
}

func TestUpdateRenameEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := ownNode("t1", "10.0.0.1")
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{n}))

	n.Name = "renamed-by-update"
	n.SSHPort = 2222
	require.NoError(t, s.UpdateNode(ctx, n))

	require.NoError(t, s.RenameNode(ctx, "t1", n.ID, "final"))
	assert.ErrorIs(t, s.RenameNode(ctx, "t1", 9999, "x"), storage.ErrNotFound)

	affected, err := s.SetNodesEnabled(ctx, "t1", []int64{n.ID}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	got, err := s.GetNode(ctx, "t1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Name)
	assert.Equal(t, 2222, got.SSHPort)
	assert.False(t, got.Enabled)

	disabled := false
	list, err := s.ListNodes(ctx, storage.NodeFilter{TenantID: "t1", Enabled: &disabled})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNodeRolesReplaceAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := ownNode("t1", "10.0.0.1")
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{n}))

	require.NoError(t, s.ReplaceNodeRoles(ctx, n.ID, []string{model.RoleExecutor, model.RoleExecutor, model.RoleMonitor}))
	roles, err := s.ListNodeRoles(ctx, []int64{n.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{model.RoleExecutor, model.RoleMonitor}, roles[n.ID])

	require.NoError(t, s.ReplaceNodeRoles(ctx, n.ID, []string{model.RoleMonitor}))
	roles, err = s.ListNodeRoles(ctx, []int64{n.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{model.RoleMonitor}, roles[n.ID])

	require.NoError(t, s.DeleteNodes(ctx, []int64{n.ID}))
	got, err := s.GetNode(ctx, "t1", n.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	roles, err = s.ListNodeRoles(ctx, []int64{n.ID})
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestInstallAgentFlagCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fresh, failed, done := ownNode("t1", "10.0.0.1"), ownNode("t1", "10.0.0.2"), ownNode("t1", "10.0.0.3")
	noIP := boughtNode("t1", "cn-hangzhou", "i-1", nil)
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{fresh, failed, done, noIP}))

	require.NoError(t, s.SetInstallAgentFlag(ctx, failed.ID, model.Bool(false)))
	require.NoError(t, s.SetInstallAgentFlag(ctx, done.ID, model.Bool(true)))

	list, err := s.ListAutoInstallCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)

	// 重置为 NULL 后重新进入候选集
	require.NoError(t, s.SetInstallAgentFlag(ctx, failed.ID, nil))
	list, err = s.ListAutoInstallCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := s.GetNode(ctx, "t1", done.ID)
	require.NoError(t, err)
	assert.True(t, got.AgentInstalled())
}

func TestSetInstallAgentFlagIfUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fresh, done := ownNode("t1", "10.0.0.1"), ownNode("t1", "10.0.0.2")
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{fresh, done}))
	require.NoError(t, s.SetInstallAgentFlag(ctx, done.ID, model.Bool(true)))

	written, err := s.SetInstallAgentFlagIfUnset(ctx, fresh.ID, false)
	require.NoError(t, err)
	assert.True(t, written)

	// 已有结论不被覆盖
	written, err = s.SetInstallAgentFlagIfUnset(ctx, done.ID, false)
	require.NoError(t, err)
	assert.False(t, written)
	got, err := s.GetNode(ctx, "t1", done.ID)
	require.NoError(t, err)
	assert.True(t, got.AgentInstalled())

	written, err = s.SetInstallAgentFlagIfUnset(ctx, fresh.ID, true)
	require.NoError(t, err)
	assert.False(t, written)
	got, err = s.GetNode(ctx, "t1", fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InstallAgentFlag)
	assert.False(t, *got.InstallAgentFlag)

	written, err = s.SetInstallAgentFlagIfUnset(ctx, 9999, true)
	require.NoError(t, err)
	assert.False(t, written)
}

func TestInstanceSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := boughtNode("t1", "cn-hangzhou", "i-a", nil)
	b := boughtNode("t1", "cn-beijing", "i-b", nil)
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{a, b, ownNode("t1", "10.0.0.1")}))

	list, err := s.ListUnsyncedInstances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cn-beijing", list[0].RegionID)

	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateInstanceInfo(ctx, a.ID, storage.InstanceInfo{
		InstanceStatus: model.InstanceStatusRunning, IP: "172.16.0.1", PublicIP: "47.1.1.1", ExpiredDate: &exp, Synced: true,
	}))

	list, err = s.ListUnsyncedInstances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	got, err := s.GetNode(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, "47.1.1.1", got.PublicIP)
	require.NotNil(t, got.InstanceExpiredDate)
	assert.True(t, exp.Equal(*got.InstanceExpiredDate))
}

// 宽限期回归：-59 / -60 分钟不应被标记，-61 分钟应被标记
func TestMarkExpiredGraceWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	n59 := boughtNode("t1", "cn-hangzhou", "i-59", at(-59*time.Minute))
	n60 := boughtNode("t1", "cn-hangzhou", "i-60", at(-60*time.Minute))
	n61 := boughtNode("t1", "cn-hangzhou", "i-61", at(-61*time.Minute))
	n30 := boughtNode("t1", "cn-hangzhou", "i-30", at(-30*time.Minute))
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{n59, n60, n61, n30}))

	marked, err := s.MarkExpiredInstances(ctx, now.Add(-60*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, marked)

	expired, err := s.ListExpiredInstances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "i-61", expired[0].InstanceID)

	// 再次执行不重复标记
	marked, err = s.MarkExpiredInstances(ctx, now.Add(-60*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, marked)
}

func TestRenewSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	soon, past := now.Add(24*time.Hour), now.Add(-2*time.Hour)

	live := boughtNode("t1", "cn-hangzhou", "i-live", &soon)
	dead := boughtNode("t1", "cn-hangzhou", "i-dead", &past)
	foreign := boughtNode("t2", "cn-hangzhou", "i-foreign", &soon)
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{live, dead, foreign}))
	_, err := s.MarkExpiredInstances(ctx, now.Add(-time.Hour))
	require.NoError(t, err)

	newExp := now.AddDate(0, 1, 0)
	n, err := s.RenewInstances(ctx, "t1", "order-1", "order-2", newExp)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetNode(ctx, "t1", live.ID)
	require.NoError(t, err)
	assert.Equal(t, "order-2", got.OrderID)
	assert.True(t, newExp.Equal(*got.InstanceExpiredDate))

	got, err = s.GetNode(ctx, "t1", dead.ID)
	require.NoError(t, err)
	assert.Equal(t, "order-1", got.OrderID)
}

// ============================================================================
// 事务测试
// ============================================================================

func TestWithinTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(repo storage.NodeRepository) error {
		require.NoError(t, repo.InsertNodes(ctx, []*model.Node{ownNode("t1", "10.0.0.1")}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := s.CountNodes(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWithinTxNoRollbackCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := ownNode("t1", "10.0.0.1")
	require.NoError(t, s.InsertNodes(ctx, []*model.Node{n}))
	installed := errors.New("already installed")

	err := s.WithinTx(ctx, func(repo storage.NodeRepository) error {
		if err := repo.SetInstallAgentFlag(ctx, n.ID, model.Bool(true)); err != nil {
			return err
		}
		return storage.NoRollback(installed)
	})
	assert.ErrorIs(t, err, installed)
	assert.False(t, storage.IsNoRollback(err))

	got, err := s.GetNode(ctx, "t1", n.ID)
	require.NoError(t, err)
	assert.True(t, got.AgentInstalled())
}
