package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"nodefleet/internal/cloud"
	"nodefleet/internal/shared/credential"
	"nodefleet/internal/shared/model"
)

// 购买实例的 root 密码长度
const generatedPasswordLength = 16

// ============================================================================
// 购买
// ============================================================================

// PurchaseOrder 按订单购买节点
//
// 任何失败都不向上抛出：转为购买异常事件供人工跟进，
// 因为云上可能已经扣费。返回已持久化的节点（可能是部分结果）。
func (m *Manager) PurchaseOrder(ctx context.Context, orderID, tenantID string) []*model.Node {
	ctx = model.WithPrincipal(ctx, model.SystemPrincipal(tenantID))

	var (
		order     *model.OrderDetail
		purchased []*model.Node
	)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		order, err = m.orders.OrderDetail(ctx, tenantID, orderID)
		if err != nil {
			return fmt.Errorf("order detail: %w", err)
		}
		if order == nil {
			return newError(CodeOrderNotFound, "order %s not found", orderID)
		}
		if order.NodeNum <= 0 {
			return newError(CodeInvalidArgument, "order %s has no nodes to purchase", orderID)
		}
		if err := m.checkQuota(ctx, tenantID, order.NodeNum); err != nil {
			return err
		}
		purchased, err = m.purchase(ctx, purchaseParams{
			orderID:     orderID,
			tenantID:    tenantID,
			spec:        order.Spec,
			num:         order.NodeNum,
			expiredDate: order.ExpiredDate,
			tokenPrefix: "order-" + orderID,
		})
		return err
	}()
	if err == nil {
		log.Printf("[node.purchase] order=%s tenant=%s purchased=%d", orderID, tenantID, len(purchased))
		return purchased
	}

	log.Printf("[node.purchase] order=%s tenant=%s purchased=%d err=%v", orderID, tenantID, len(purchased), err)
	event := &model.PurchaseExceptionEvent{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		TenantID:  tenantID,
		Cause:     err.Error(),
		Purchased: len(purchased),
		Timestamp: m.now(),
	}
	if order != nil {
		event.Spec = order.Spec
		event.NodeNum = order.NodeNum
	}
	var lost *unpersistedError
	if errors.As(err, &lost) {
		event.Region = lost.region
		event.InstanceIDs = lost.instanceIDs
	}
	if sendErr := m.events.SendPurchaseException(ctx, event); sendErr != nil {
		log.Printf("[node.purchase] order=%s send exception event failed: %v", orderID, sendErr)
	}
	return purchased
}

// Purchase 直接购买（无订单），失败同步返回
func (m *Manager) Purchase(ctx context.Context, p model.Principal, spec model.InstanceSpec, num int) ([]*model.Node, error) {
	if num <= 0 {
		return nil, newError(CodeInvalidArgument, "node number must be positive")
	}
	if spec.InstanceType == "" {
		return nil, newError(CodeInvalidArgument, "instance type is required")
	}
	if err := m.checkQuota(ctx, p.TenantID, num); err != nil {
		return nil, err
	}
	return m.purchase(ctx, purchaseParams{
		tenantID: p.TenantID,
		spec:     spec,
		num:      num,
	})
}

// unpersistedError 云上已创建、本地落库失败的一批实例
type unpersistedError struct {
	region      string
	instanceIDs []string
	err         error
}

func (e *unpersistedError) Error() string {
	return fmt.Sprintf("%d instances in %s not persisted: %v", len(e.instanceIDs), e.region, e.err)
}

func (e *unpersistedError) Unwrap() error { return e.err }

func instanceIDs(nodes []*model.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.InstanceID)
	}
	return ids
}

type purchaseParams struct {
	orderID     string
	tenantID    string
	spec        model.InstanceSpec
	num         int
	expiredDate *time.Time
	tokenPrefix string
}

// purchase 查找有库存的地域后分批购买，每批成功立即落库
func (m *Manager) purchase(ctx context.Context, req purchaseParams) ([]*model.Node, error) {
	spec := req.spec
	if spec.ChargeType == "" {
		spec.ChargeType = model.ChargeTypePostPaid
	}

	region, err := m.cloud.QueryMeetResourceSpecRegion(ctx, spec.ChargeType, spec)
	if err != nil {
		return nil, wrapError(CodeCloudResNotAvailable, err, "query region for %s", spec.InstanceType)
	}
	if region == "" {
		return nil, newError(CodeCloudResNotAvailable, "no region has stock for %s", spec.InstanceType)
	}

	password, err := credential.GeneratePassword(generatedPasswordLength)
	if err != nil {
		return nil, err
	}
	sealed, err := m.codec.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}

	var all []*model.Node
	for i, amount := range cloud.Chunk(req.num, cloud.MaxPurchaseBatch) {
		pr := cloud.PurchaseRequest{
			OrderID:     req.orderID,
			TenantID:    req.tenantID,
			Spec:        spec,
			Region:      region,
			Amount:      amount,
			Password:    password,
			ExpiredDate: req.expiredDate,
		}
		if req.tokenPrefix != "" {
			pr.ClientToken = fmt.Sprintf("%s-%d", req.tokenPrefix, i)
		}
		nodes, err := m.cloud.PurchaseAndRunInstances(ctx, pr)
		if err != nil {
			return all, fmt.Errorf("purchase batch %d in %s: %w", i, region, err)
		}
		for _, n := range nodes {
			n.TenantID = req.tenantID
			n.PasswordEncrypted = sealed
		}
		if err := m.add0(ctx, nodes); err != nil {
			ids := instanceIDs(nodes)
			log.Printf("[node.purchase] order=%s region=%s unpersisted=%v err=%v", req.orderID, region, ids, err)
			return all, &unpersistedError{region: region, instanceIDs: ids, err: err}
		}
		all = append(all, nodes...)
	}
	return all, nil
}

// ============================================================================
// 续费
// ============================================================================

// Renew 按新订单延长原订单下未过期节点的到期时间
func (m *Manager) Renew(ctx context.Context, orderID, originalOrderID, tenantID string) (int64, error) {
	order, err := m.orders.OrderDetail(ctx, tenantID, orderID)
	if err != nil {
		return 0, fmt.Errorf("order detail: %w", err)
	}
	if order == nil {
		return 0, newError(CodeOrderNotFound, "order %s not found", orderID)
	}
	if order.ExpiredDate == nil {
		return 0, newError(CodeInvalidArgument, "order %s has no expiry date", orderID)
	}
	n, err := m.repo.RenewInstances(ctx, tenantID, originalOrderID, orderID, *order.ExpiredDate)
	if err != nil {
		return 0, fmt.Errorf("renew instances: %w", err)
	}
	log.Printf("[node.renew] order=%s original=%s tenant=%s renewed=%d", orderID, originalOrderID, tenantID, n)
	return n, nil
}

// ============================================================================
// 实例启停
// ============================================================================

// InstanceOpResult 按地域执行的实例操作结果
type InstanceOpResult struct {
	Succeeded []int64
	Failed    []int64
}

// StopInstances 停止购买节点的云实例
func (m *Manager) StopInstances(ctx context.Context, p model.Principal, ids []int64) (*InstanceOpResult, error) {
	return m.instanceOp(ctx, p, ids, "stop", m.cloud.StopInstances)
}

// RestartInstances 重启购买节点的云实例
func (m *Manager) RestartInstances(ctx context.Context, p model.Principal, ids []int64) (*InstanceOpResult, error) {
	return m.instanceOp(ctx, p, ids, "restart", m.cloud.RestartInstances)
}

func (m *Manager) instanceOp(ctx context.Context, p model.Principal, ids []int64, op string,
	fn func(ctx context.Context, region string, instanceIDs []string) error) (*InstanceOpResult, error) {
	nodes, err := m.mustGetAll(ctx, p.TenantID, ids)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if !n.IsOnlineBuy() {
			return nil, newError(CodeInvalidArgument, "node %d is not a purchased instance", n.ID)
		}
	}

	result := &InstanceOpResult{}
	regions, groups := cloud.GroupByRegion(nodes)
	for _, region := range regions {
		group := groups[region]
		if err := fn(ctx, region, cloud.InstanceIDs(group)); err != nil {
			log.Printf("[node.%s] region=%s instances=%d err=%v", op, region, len(group), err)
			result.Failed = append(result.Failed, nodeIDs(group)...)
			continue
		}
		result.Succeeded = append(result.Succeeded, nodeIDs(group)...)
	}
	if len(result.Succeeded) == 0 && len(result.Failed) > 0 {
		return result, errors.New(op + " instances failed in every region")
	}
	return result, nil
}
