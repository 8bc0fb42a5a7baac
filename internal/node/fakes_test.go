package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nodefleet/internal/agent"
	"nodefleet/internal/cloud"
	"nodefleet/internal/shared/credential"
	"nodefleet/internal/shared/model"
	"nodefleet/internal/shared/nodeinfo"
	"nodefleet/internal/shared/sshexec"
	sqlitedriver "nodefleet/internal/shared/storage/driver/sqlite"
	"nodefleet/internal/shared/storage/repository"
)

// ============================================================================
// cloud
// ============================================================================

type fakeCloud struct {
	mu sync.Mutex

	region      string
	regionErr   error
	purchaseErr func(call int) error
	purchases   []cloud.PurchaseRequest
	seq         int

	describe    map[string]map[string]*model.Node // region → instanceID → node
	describeErr map[string]error
	describes   []string

	deleteErr map[string]error
	deletes   map[string][]string
	stops     map[string][]string
	restarts  map[string][]string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		region:      "cn-hangzhou",
		describe:    map[string]map[string]*model.Node{},
		describeErr: map[string]error{},
		deleteErr:   map[string]error{},
		deletes:     map[string][]string{},
		stops:       map[string][]string{},
		restarts:    map[string][]string{},
	}
}

func (f *fakeCloud) QueryMeetResourceSpecRegion(context.Context, string, model.InstanceSpec) (string, error) {
	return f.region, f.regionErr
}

func (f *fakeCloud) HasAvailableResource(context.Context, string, string, model.InstanceSpec) (bool, error) {
	return f.region != "", nil
}

func (f *fakeCloud) PurchaseAndRunInstances(_ context.Context, req cloud.PurchaseRequest) ([]*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.purchases)
	f.purchases = append(f.purchases, req)
	if f.purchaseErr != nil {
		if err := f.purchaseErr(call); err != nil {
			return nil, err
		}
	}
	if req.Amount > cloud.MaxPurchaseBatch {
		return nil, cloud.ErrBatchTooLarge
	}
	nodes := make([]*model.Node, 0, req.Amount)
	for i := 0; i < req.Amount; i++ {
		f.seq++
		id := fmt.Sprintf("i-%04d", f.seq)
		nodes = append(nodes, &model.Node{
			Name: id, SSHPort: 22, Username: "root", Source: model.NodeSourceOnlineBuy, Enabled: true,
			RegionID: req.Region, InstanceID: id, InstanceStatus: model.InstanceStatusPending,
			ChargeType: req.Spec.ChargeType, Spec: req.Spec.InstanceType, OrderID: req.OrderID,
			InstanceExpiredDate: req.ExpiredDate, Roles: req.Spec.Roles,
		})
	}
	return nodes, nil
}

func (f *fakeCloud) GetInstancesDescribe(_ context.Context, region string, ids []string) (map[string]*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes = append(f.describes, region)
	if err := f.describeErr[region]; err != nil {
		return nil, err
	}
	out := map[string]*model.Node{}
	for _, id := range ids {
		if n, ok := f.describe[region][id]; ok {
			cp := *n
			out[id] = &cp
		}
	}
	return out, nil
}

func (f *fakeCloud) StopInstances(_ context.Context, region string, ids []string) error {
	f.stops[region] = append(f.stops[region], ids...)
	return nil
}

func (f *fakeCloud) RestartInstances(_ context.Context, region string, ids []string) error {
	f.restarts[region] = append(f.restarts[region], ids...)
	return nil
}

func (f *fakeCloud) DeleteInstances(_ context.Context, region string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[region]; err != nil {
		return err
	}
	f.deletes[region] = append(f.deletes[region], ids...)
	return nil
}

// ============================================================================
// prober / installer
// ============================================================================

type fakeProber struct {
	down map[string]bool // host → 不可达
}

func (p *fakeProber) Probe(_ context.Context, t sshexec.Target) error {
	if p.down[t.Host] {
		return sshexec.ErrUnreachable
	}
	return nil
}

func (p *fakeProber) IsAvailable(ctx context.Context, t sshexec.Target) bool {
	return p.Probe(ctx, t) == nil
}

type fakeInstaller struct {
	mu        sync.Mutex
	result    agent.Result
	byHost    map[string]agent.Result
	err       error
	restart   agent.Result
	restartEr error
	installs  []sshexec.Target
	linuxOnly []sshexec.Target
	// duringLinux 在 InstallLinux 返回前调用，模拟并发写入
	duringLinux func(t sshexec.Target)
}

func (f *fakeInstaller) Install(_ context.Context, t sshexec.Target, _ *model.AgentInstallCmd) (agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, t)
	return f.result, f.err
}

func (f *fakeInstaller) InstallLinux(_ context.Context, t sshexec.Target, _ *model.AgentInstallCmd) (agent.Result, error) {
	if f.duringLinux != nil {
		f.duringLinux(t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linuxOnly = append(f.linuxOnly, t)
	if r, ok := f.byHost[t.Host]; ok {
		return r, f.err
	}
	return f.result, f.err
}

func (f *fakeInstaller) Restart(context.Context, sshexec.Target) (agent.Result, error) {
	return f.restart, f.restartEr
}

// ============================================================================
// node info / orders / quota / events / archive
// ============================================================================

type fakeNodeInfo struct {
	mu        sync.Mutex
	details   map[int64]nodeinfo.DetailResult
	detailErr error
	onDetail  func()
	deleted   [][]int64
	deleteErr error
}

var _ nodeinfo.Service = (*fakeNodeInfo)(nil)

func (f *fakeNodeInfo) Detail(_ context.Context, id int64, _ bool) (nodeinfo.DetailResult, error) {
	if f.onDetail != nil {
		f.onDetail()
	}
	if f.detailErr != nil {
		return nodeinfo.DetailResult{}, f.detailErr
	}
	return f.details[id], nil
}

func (f *fakeNodeInfo) Delete(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, append([]int64(nil), ids...))
	return f.deleteErr
}

func (f *fakeNodeInfo) AgentInstallCmd(context.Context, int64) (*model.AgentInstallCmd, error) {
	return &model.AgentInstallCmd{LinuxRunInstallScriptCmd: "./install.sh", WindowsOnlineInstallCmd: "install.exe"}, nil
}

type fakeOrders struct {
	orders map[string]*model.OrderDetail
	err    error
}

func (f *fakeOrders) OrderDetail(_ context.Context, _, orderID string) (*model.OrderDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.orders[orderID], nil
}

type fakeQuota struct{ limit int }

func (f *fakeQuota) NodeQuota(context.Context, string) (int, error) { return f.limit, nil }

type fakeEvents struct {
	mu     sync.Mutex
	events []*model.PurchaseExceptionEvent
}

func (f *fakeEvents) SendPurchaseException(_ context.Context, e *model.PurchaseExceptionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type fakeArchive struct {
	logs map[int64]string
}

func (f *fakeArchive) ArchiveInstallLog(_ context.Context, id int64, _ time.Time, output string) (string, error) {
	f.logs[id] = output
	return fmt.Sprintf("agent-install/%d/x.log", id), nil
}

func (f *fakeArchive) InstallLogs(_ context.Context, id int64) ([]string, error) {
	if _, ok := f.logs[id]; !ok {
		return nil, nil
	}
	return []string{fmt.Sprintf("agent-install/%d/x.log", id)}, nil
}

// ============================================================================
// harness
// ============================================================================

type harness struct {
	m         *Manager
	store     *repository.Store
	cloud     *fakeCloud
	prober    *fakeProber
	installer *fakeInstaller
	nodeInfo  *fakeNodeInfo
	orders    *fakeOrders
	quota     *fakeQuota
	events    *fakeEvents
	archive   *fakeArchive
	codec     credential.Codec
	now       time.Time
}

var (
	tenant   = model.Principal{TenantID: "t1", UserID: "u1"}
	operator = model.Principal{TenantID: "t1", UserID: "ops", Operator: true}
	errBoom  = errors.New("boom")
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	codec, err := credential.New("test-credential-key")
	require.NoError(t, err)

	h := &harness{
		store:     store,
		cloud:     newFakeCloud(),
		prober:    &fakeProber{down: map[string]bool{}},
		installer: &fakeInstaller{result: agent.Result{OS: agent.OSLinux, Success: true}},
		nodeInfo:  &fakeNodeInfo{details: map[int64]nodeinfo.DetailResult{}},
		orders:    &fakeOrders{orders: map[string]*model.OrderDetail{}},
		quota:     &fakeQuota{},
		events:    &fakeEvents{},
		archive:   &fakeArchive{logs: map[int64]string{}},
		codec:     codec,
		now:       time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
	h.m, err = NewManager(Deps{
		Repo:      store,
		Cloud:     h.cloud,
		Prober:    h.prober,
		Installer: h.installer,
		NodeInfo:  h.nodeInfo,
		Orders:    h.orders,
		Quota:     h.quota,
		Events:    h.events,
		Codec:     codec,
		Archive:   h.archive,
		Now:       func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

// seedOwn 直接写入自有节点（绕过校验）
func (h *harness) seedOwn(t *testing.T, ip string) *model.Node {
	t.Helper()
	enc, err := h.codec.Encrypt("pw")
	require.NoError(t, err)
	n := &model.Node{TenantID: "t1", Name: "n-" + ip, IP: ip, SSHPort: 22, Username: "root",
		PasswordEncrypted: enc, Source: model.NodeSourceOwn, Enabled: true}
	require.NoError(t, h.store.InsertNodes(context.Background(), []*model.Node{n}))
	return n
}

// seedBought 直接写入购买节点
func (h *harness) seedBought(t *testing.T, region, instanceID string, expired *time.Time) *model.Node {
	t.Helper()
	enc, err := h.codec.Encrypt("pw")
	require.NoError(t, err)
	n := &model.Node{TenantID: "t1", Name: instanceID, SSHPort: 22, Username: "root",
		PasswordEncrypted: enc, Source: model.NodeSourceOnlineBuy, Enabled: true,
		RegionID: region, InstanceID: instanceID, OrderID: "order-1", InstanceExpiredDate: expired}
	require.NoError(t, h.store.InsertNodes(context.Background(), []*model.Node{n}))
	return n
}

func (h *harness) reload(t *testing.T, id int64) *model.Node {
	t.Helper()
	n, err := h.store.GetNode(context.Background(), "t1", id)
	require.NoError(t, err)
	return n
}
