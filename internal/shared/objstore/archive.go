// Package objstore 把 Agent 安装失败的原始输出归档到 MinIO
//
// 对象 key 为 agent-install/<节点 ID>/<UTC 时间戳>.log，同一节点的多次失败按时间排列；
// 对象元数据带上节点 ID，便于在控制台按节点检索。
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"nodefleet/internal/config"
)

const (
	// InstallLogPrefix 安装日志对象前缀
	InstallLogPrefix = "agent-install"

	defaultBucket  = "nodefleet"
	logContentType = "text/plain; charset=utf-8"
)

// ErrNotConfigured MinIO 连接参数缺失
var ErrNotConfigured = errors.New("objstore: minio endpoint and credentials are required")

// Archive 安装诊断归档
type Archive struct {
	mc     *minio.Client
	bucket string
}

// NewArchive 连接 MinIO 并确保归档 bucket 存在
func NewArchive(ctx context.Context, cfg config.MinIOConfig) (*Archive, error) {
	a, err := newArchive(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.prepareBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchive(cfg config.MinIOConfig) (*Archive, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client %s: %w", cfg.Endpoint, err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	return &Archive{mc: mc, bucket: bucket}, nil
}

func (a *Archive) prepareBucket(ctx context.Context) error {
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	log.Printf("[objstore] bucket=%s created", a.bucket)
	return nil
}

// InstallLogKey 返回 agent-install/<nodeID>/<UTC 时间戳>.log
func InstallLogKey(nodeID int64, at time.Time) string {
	return fmt.Sprintf("%s/%s.log", nodePrefix(nodeID), at.UTC().Format("20060102T150405Z"))
}

func nodePrefix(nodeID int64) string {
	return InstallLogPrefix + "/" + strconv.FormatInt(nodeID, 10)
}

// ArchiveInstallLog 归档一次失败安装的原始输出，返回对象 key
func (a *Archive) ArchiveInstallLog(ctx context.Context, nodeID int64, at time.Time, output string) (string, error) {
	key := InstallLogKey(nodeID, at)
	_, err := a.mc.PutObject(ctx, a.bucket, key, strings.NewReader(output), int64(len(output)), minio.PutObjectOptions{
		ContentType:  logContentType,
		UserMetadata: map[string]string{"node-id": strconv.FormatInt(nodeID, 10)},
	})
	if err != nil {
		return "", fmt.Errorf("archive install log of node %d: %w", nodeID, err)
	}
	return key, nil
}

// InstallLogs 列出节点已归档的安装日志 key，按时间升序
func (a *Archive) InstallLogs(ctx context.Context, nodeID int64) ([]string, error) {
	var keys []string
	for obj := range a.mc.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    nodePrefix(nodeID) + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list install logs of node %d: %w", nodeID, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
