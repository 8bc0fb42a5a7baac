// Package aliyun 阿里云 ECS 实现的 cloud.Provider
package aliyun

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	sdkerrors "github.com/aliyun/alibaba-cloud-sdk-go/sdk/errors"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/ecs"
	"golang.org/x/time/rate"

	"nodefleet/internal/cloud"
	"nodefleet/internal/config"
	"nodefleet/internal/shared/model"
)

// ecsAPI 使用到的 ECS 接口子集（*ecs.Client 满足）
type ecsAPI interface {
	DescribeAvailableResource(request *ecs.DescribeAvailableResourceRequest) (*ecs.DescribeAvailableResourceResponse, error)
	RunInstances(request *ecs.RunInstancesRequest) (*ecs.RunInstancesResponse, error)
	DescribeInstances(request *ecs.DescribeInstancesRequest) (*ecs.DescribeInstancesResponse, error)
	StopInstances(request *ecs.StopInstancesRequest) (*ecs.StopInstancesResponse, error)
	RebootInstances(request *ecs.RebootInstancesRequest) (*ecs.RebootInstancesResponse, error)
	DeleteInstances(request *ecs.DeleteInstancesRequest) (*ecs.DeleteInstancesResponse, error)
}

// 阿里云返回的到期时间格式；按量付费实例为 2099 年
const expiredTimeLayout = "2006-01-02T15:04Z"

const (
	statusAvailable = "Available"
	stockWithStock  = "WithStock"
	resInstanceType = "InstanceType"
)

// Provider 阿里云 ECS 供给客户端
type Provider struct {
	cfg           config.AliyunConfig
	searchTimeout time.Duration
	limiter       *rate.Limiter

	mu        sync.Mutex
	clients   map[string]ecsAPI
	newClient func(region string) (ecsAPI, error)
}

var _ cloud.Provider = (*Provider)(nil)

// New 创建阿里云 Provider
func New(cfg config.CloudConfig) (*Provider, error) {
	ak := cfg.Aliyun
	if ak.AccessKeyID == "" || ak.AccessKeySecret == "" {
		return nil, fmt.Errorf("aliyun access key is required")
	}
	if len(ak.Regions) == 0 {
		return nil, fmt.Errorf("aliyun: no candidate regions configured")
	}
	p := newProvider(cfg)
	p.newClient = func(region string) (ecsAPI, error) {
		return ecs.NewClientWithAccessKey(region, ak.AccessKeyID, ak.AccessKeySecret)
	}
	return p, nil
}

func newProvider(cfg config.CloudConfig) *Provider {
	timeout := cfg.RegionSearchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provider{
		cfg:           cfg.Aliyun,
		searchTimeout: timeout,
		// ECS OpenAPI 按账号限流，这里保守控制在 20 QPS
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		clients: make(map[string]ecsAPI),
	}
}

func (p *Provider) client(region string) (ecsAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[region]; ok {
		return c, nil
	}
	c, err := p.newClient(region)
	if err != nil {
		return nil, fmt.Errorf("aliyun: create ecs client for %s: %w", region, err)
	}
	p.clients[region] = c
	return c, nil
}

func (p *Provider) regionConfig(region string) (config.AliyunRegion, bool) {
	for _, r := range p.cfg.Regions {
		if r.ID == region {
			return r, true
		}
	}
	return config.AliyunRegion{}, false
}

// ============================================================================
// 资源查询
// ============================================================================

// QueryMeetResourceSpecRegion 按配置顺序逐个地域查询库存，受 searchTimeout 约束
func (p *Provider) QueryMeetResourceSpecRegion(ctx context.Context, chargeType string, spec model.InstanceSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.searchTimeout)
	defer cancel()

	for _, r := range p.cfg.Regions {
		if ctx.Err() != nil {
			log.Printf("[aliyun.region_search] timeout spec=%s", spec.InstanceType)
			return "", nil
		}
		ok, err := p.HasAvailableResource(ctx, r.ID, chargeType, spec)
		if err != nil {
			log.Printf("[aliyun.region_search] region=%s err=%v", r.ID, err)
			continue
		}
		if ok {
			return r.ID, nil
		}
	}
	return "", nil
}

// HasAvailableResource 查询地域内是否有该规格库存
func (p *Provider) HasAvailableResource(ctx context.Context, region, chargeType string, spec model.InstanceSpec) (bool, error) {
	c, err := p.client(region)
	if err != nil {
		return false, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}

	req := ecs.CreateDescribeAvailableResourceRequest()
	req.RegionId = region
	req.DestinationResource = resInstanceType
	req.InstanceChargeType = chargeType
	req.InstanceType = spec.InstanceType

	resp, err := c.DescribeAvailableResource(req)
	if err != nil {
		return false, fmt.Errorf("aliyun: describe available resource in %s: %w", region, err)
	}
	for _, zone := range resp.AvailableZones.AvailableZone {
		if zone.Status != statusAvailable || zone.StatusCategory != stockWithStock {
			continue
		}
		for _, res := range zone.AvailableResources.AvailableResource {
			if res.Type != resInstanceType {
				continue
			}
			for _, sr := range res.SupportedResources.SupportedResource {
				if sr.Value == spec.InstanceType && sr.Status == statusAvailable && sr.StatusCategory == stockWithStock {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// ============================================================================
// 购买
// ============================================================================

// PurchaseAndRunInstances 创建并启动实例
func (p *Provider) PurchaseAndRunInstances(ctx context.Context, req cloud.PurchaseRequest) ([]*model.Node, error) {
	if req.Amount <= 0 {
		return nil, nil
	}
	if req.Amount > cloud.MaxPurchaseBatch {
		return nil, fmt.Errorf("%w: amount=%d", cloud.ErrBatchTooLarge, req.Amount)
	}
	rc, ok := p.regionConfig(req.Region)
	if !ok {
		return nil, fmt.Errorf("aliyun: region %s is not configured", req.Region)
	}
	c, err := p.client(req.Region)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	spec := req.Spec
	chargeType := spec.ChargeType
	if chargeType == "" {
		chargeType = model.ChargeTypePostPaid
	}

	r := ecs.CreateRunInstancesRequest()
	r.RegionId = req.Region
	r.ImageId = rc.ImageID
	r.SecurityGroupId = rc.SecurityGroupID
	r.VSwitchId = rc.VSwitchID
	r.InstanceType = spec.InstanceType
	r.InstanceName = p.cfg.InstanceName
	r.Password = req.Password
	r.InstanceChargeType = chargeType
	r.Amount = requests.NewInteger(req.Amount)
	r.ClientToken = req.ClientToken
	if spec.BandwidthOut > 0 {
		r.InternetMaxBandwidthOut = requests.NewInteger(spec.BandwidthOut)
	}
	if spec.SystemDiskSize > 0 {
		r.SystemDiskSize = fmt.Sprintf("%d", spec.SystemDiskSize)
	}
	if chargeType == model.ChargeTypePrePaid {
		period := spec.Period
		if period <= 0 {
			period = 1
		}
		r.Period = requests.NewInteger(period)
		r.PeriodUnit = spec.PeriodUnit
		r.AutoRenew = requests.NewBoolean(false)
	}

	resp, err := c.RunInstances(r)
	if err != nil {
		return nil, fmt.Errorf("aliyun: run instances in %s: %w", req.Region, err)
	}

	ids := resp.InstanceIdSets.InstanceIdSet
	log.Printf("[aliyun.purchase] order=%s region=%s requested=%d created=%d", req.OrderID, req.Region, req.Amount, len(ids))

	sshPort := spec.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}
	username := spec.Username
	if username == "" {
		username = "root"
	}
	nodes := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, &model.Node{
			TenantID:            req.TenantID,
			Name:                id,
			SSHPort:             sshPort,
			Username:            username,
			Source:              model.NodeSourceOnlineBuy,
			Enabled:             true,
			RegionID:            req.Region,
			InstanceID:          id,
			InstanceStatus:      model.InstanceStatusPending,
			ChargeType:          chargeType,
			Spec:                spec.InstanceType,
			OrderID:             req.OrderID,
			InstanceExpiredDate: req.ExpiredDate,
			Roles:               append([]string(nil), spec.Roles...),
		})
	}
	return nodes, nil
}

// ============================================================================
// 实例查询与操作
// ============================================================================

// GetInstancesDescribe 批量查询实例
func (p *Provider) GetInstancesDescribe(ctx context.Context, region string, instanceIDs []string) (map[string]*model.Node, error) {
	out := make(map[string]*model.Node, len(instanceIDs))
	if len(instanceIDs) == 0 {
		return out, nil
	}
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	for _, batch := range chunkIDs(instanceIDs, cloud.MaxDescribeBatch) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		idsJSON, err := json.Marshal(batch)
		if err != nil {
			return nil, err
		}
		req := ecs.CreateDescribeInstancesRequest()
		req.RegionId = region
		req.InstanceIds = string(idsJSON)
		req.PageSize = requests.NewInteger(cloud.MaxDescribeBatch)

		resp, err := c.DescribeInstances(req)
		if err != nil {
			return nil, fmt.Errorf("aliyun: describe instances in %s: %w", region, err)
		}
		for _, inst := range resp.Instances.Instance {
			n := &model.Node{
				RegionID:       region,
				InstanceID:     inst.InstanceId,
				InstanceStatus: inst.Status,
				ChargeType:     inst.InstanceChargeType,
				Spec:           inst.InstanceType,
				CPU:            inst.Cpu,
				MemoryMB:       inst.Memory,
			}
			if ips := inst.VpcAttributes.PrivateIpAddress.IpAddress; len(ips) > 0 {
				n.IP = ips[0]
			} else if ips := inst.InnerIpAddress.IpAddress; len(ips) > 0 {
				n.IP = ips[0]
			}
			if ips := inst.PublicIpAddress.IpAddress; len(ips) > 0 {
				n.PublicIP = ips[0]
			} else if inst.EipAddress.IpAddress != "" {
				n.PublicIP = inst.EipAddress.IpAddress
			}
			n.InstanceExpiredDate = parseExpiredTime(inst.ExpiredTime)
			out[inst.InstanceId] = n
		}
	}
	return out, nil
}

// StopInstances 停止实例
func (p *Provider) StopInstances(ctx context.Context, region string, instanceIDs []string) error {
	return p.eachBatch(ctx, region, instanceIDs, func(c ecsAPI, batch []string) error {
		req := ecs.CreateStopInstancesRequest()
		req.RegionId = region
		req.InstanceId = &batch
		_, err := c.StopInstances(req)
		return err
	})
}

// RestartInstances 重启实例
func (p *Provider) RestartInstances(ctx context.Context, region string, instanceIDs []string) error {
	return p.eachBatch(ctx, region, instanceIDs, func(c ecsAPI, batch []string) error {
		req := ecs.CreateRebootInstancesRequest()
		req.RegionId = region
		req.InstanceId = &batch
		_, err := c.RebootInstances(req)
		return err
	})
}

// DeleteInstances 释放实例；已不存在的实例视为成功
func (p *Provider) DeleteInstances(ctx context.Context, region string, instanceIDs []string) error {
	return p.eachBatch(ctx, region, instanceIDs, func(c ecsAPI, batch []string) error {
		req := ecs.CreateDeleteInstancesRequest()
		req.RegionId = region
		req.InstanceId = &batch
		req.Force = requests.NewBoolean(true)
		_, err := c.DeleteInstances(req)
		if isNotFound(err) {
			log.Printf("[aliyun.delete] region=%s instances already released: %v", region, batch)
			return nil
		}
		return err
	})
}

func (p *Provider) eachBatch(ctx context.Context, region string, ids []string, fn func(c ecsAPI, batch []string) error) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := p.client(region)
	if err != nil {
		return err
	}
	for _, batch := range chunkIDs(ids, cloud.MaxPurchaseBatch) {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := fn(c, batch); err != nil {
			return fmt.Errorf("aliyun: region=%s: %w", region, err)
		}
	}
	return nil
}

// ============================================================================
// 辅助
// ============================================================================

func chunkIDs(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, append([]string(nil), ids[start:end]...))
	}
	return out
}

func parseExpiredTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(expiredTimeLayout, s)
	if err != nil {
		return nil
	}
	// 按量付费实例没有真实到期时间
	if t.Year() >= 2099 {
		return nil
	}
	return &t
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*sdkerrors.ServerError); ok {
		return se.ErrorCode() == "InvalidInstanceId.NotFound"
	}
	return false
}
