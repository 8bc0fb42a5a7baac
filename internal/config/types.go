// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（common.yaml → {env}.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：密码/密钥只存在 .env 或环境变量中，YAML 中不存储任何密码。
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Lock      LockConfig      `yaml:"lock"`
	MinIO     MinIOConfig     `yaml:"minio"`
	MongoDB   MongoDBConfig   `yaml:"mongodb"`
	Door      DoorConfig      `yaml:"door"`
	NodeInfo  NodeInfoConfig  `yaml:"nodeinfo"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Agent     AgentConfig     `yaml:"agent"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type ServerConfig struct {
	Port string `yaml:"port"` // /metrics 与 /healthz 监听端口
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" 或 "sqlite"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LockConfig 分布式锁配置
type LockConfig struct {
	Backend string `yaml:"backend"` // "redis", "etcd" 或 "memory"
	Prefix  string `yaml:"prefix"`  // 锁 key 前缀
}

// MinIOConfig 安装诊断日志归档
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"` // 只从 MINIO_ROOT_USER 读取
	SecretKey string `yaml:"-"` // 只从 MINIO_ROOT_PASSWORD 读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// MongoDBConfig 节点信息影子库
type MongoDBConfig struct {
	URI      string `yaml:"-"` // 只从 MONGO_URI 读取
	Database string `yaml:"database"`
}

// DoorConfig 平台内部 API（door）客户端配置
type DoorConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"-"` // 只从 DOOR_TOKEN 读取
	Timeout time.Duration `yaml:"timeout"`
}

// NodeInfoConfig 节点信息影子服务
type NodeInfoConfig struct {
	Backend string `yaml:"backend"` // "door" 或 "mongodb"
}

// CloudConfig 云厂商配置
type CloudConfig struct {
	Provider            string        `yaml:"provider"` // 当前仅支持 "aliyun"
	RegionSearchTimeout time.Duration `yaml:"region_search_timeout"`
	Aliyun              AliyunConfig  `yaml:"aliyun"`
}

type AliyunConfig struct {
	AccessKeyID     string         `yaml:"-"` // 只从 ALIYUN_ACCESS_KEY_ID 读取
	AccessKeySecret string         `yaml:"-"` // 只从 ALIYUN_ACCESS_KEY_SECRET 读取
	InstanceName    string         `yaml:"instance_name"`
	Regions         []AliyunRegion `yaml:"regions"`
}

// AliyunRegion 候选地域（按配置顺序搜索库存）
type AliyunRegion struct {
	ID              string `yaml:"id"`
	ImageID         string `yaml:"image_id"`
	SecurityGroupID string `yaml:"security_group_id"`
	VSwitchID       string `yaml:"vswitch_id"`
}

// AgentConfig Agent 安装与重启
type AgentConfig struct {
	SuccessMarker string        `yaml:"success_marker"`
	StatusKey     string        `yaml:"status_key"`
	ShutdownCmd   string        `yaml:"shutdown_cmd"`
	StartupCmd    string        `yaml:"startup_cmd"`
	SSHTimeout    time.Duration `yaml:"ssh_timeout"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	CredentialKey string        `yaml:"-"` // 只从 CREDENTIAL_KEY 读取
}

// ReconcileConfig 对账任务配置
type ReconcileConfig struct {
	SyncInstanceInfo JobConfig    `yaml:"sync_instance_info"`
	AgentAutoInstall JobConfig    `yaml:"agent_auto_install"`
	ExpireInstances  ExpireConfig `yaml:"expire_instances"`
}

type JobConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	Batch    int           `yaml:"batch"`
}

type ExpireConfig struct {
	JobConfig `yaml:",inline"`
	Grace     time.Duration `yaml:"grace"`
}

// IsEnabled 未配置时默认启用
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	ServerPort     string
	Log            LogConfig
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	Etcd           EtcdConfig
	Lock           LockConfig
	MinIO          MinIOConfig
	MongoDB        MongoDBConfig
	Door           DoorConfig
	NodeInfo       NodeInfoConfig
	Cloud          CloudConfig
	Agent          AgentConfig
	Reconcile      ReconcileConfig
	ConfigFilePath string
}
