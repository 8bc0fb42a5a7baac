package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env（敏感信息 + APP_ENV）
//  2. 根据 APP_ENV 加载 common.yaml 与 {env}.yaml
//  3. 环境变量覆盖并填充默认值
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)
	// .env 可能携带 APP_ENV
	env = parseEnv(getEnv("APP_ENV", string(env)))

	y, loadedFrom := loadYAMLConfig(env)
	return build(env, y, loadedFrom)
}

func build(env Environment, y *YAMLConfig, loadedFrom string) *Config {
	y.Database.Password = getEnv("DB_PASSWORD", "nodefleet_dev_password")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	y.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	y.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	y.MongoDB.URI = os.Getenv("MONGO_URI")
	y.Door.Token = os.Getenv("DOOR_TOKEN")
	y.Cloud.Aliyun.AccessKeyID = os.Getenv("ALIYUN_ACCESS_KEY_ID")
	y.Cloud.Aliyun.AccessKeySecret = os.Getenv("ALIYUN_ACCESS_KEY_SECRET")
	y.Agent.CredentialKey = os.Getenv("CREDENTIAL_KEY")

	cfg := &Config{
		Env:            env,
		ServerPort:     y.Server.Port,
		Log:            y.Log,
		DatabaseDriver: detectDatabaseDriver(y.Database.Driver, os.Getenv("DATABASE_URL")),
		DatabaseURL:    getEnv("DATABASE_URL", buildDatabaseURL(y.Database, y.Database.Password)),
		RedisURL:       getEnv("REDIS_URL", buildRedisURL(y.Redis)),
		Etcd:           y.Etcd,
		Lock:           y.Lock,
		MinIO:          y.MinIO,
		MongoDB:        y.MongoDB,
		Door:           y.Door,
		NodeInfo:       y.NodeInfo,
		Cloud:          y.Cloud,
		Agent:          y.Agent,
		Reconcile:      y.Reconcile,
		ConfigFilePath: loadedFrom,
	}
	cfg.validate()
	return cfg
}

// defaultYAMLConfig 代码内置默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server:   ServerConfig{Port: "9090"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "nodefleet", Name: "nodefleet", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, DialTimeout: 5 * time.Second},
		Lock:     LockConfig{Backend: "redis", Prefix: "nodefleet:lock:"},
		MinIO:    MinIOConfig{Bucket: "nodefleet"},
		MongoDB:  MongoDBConfig{Database: "nodefleet"},
		Door:     DoorConfig{Timeout: 10 * time.Second},
		NodeInfo: NodeInfoConfig{Backend: "door"},
		Cloud:    CloudConfig{Provider: "aliyun", RegionSearchTimeout: 30 * time.Second},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) (*YAMLConfig, string) {
	cfg := defaultYAMLConfig()
	var loadedFrom string

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range effectiveConfigPaths(env) {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "config: parse %s: %v\n", path, err)
			}
			loadedFrom = path
			break
		}
	}
	return cfg, loadedFrom
}

// validate 填充默认值
func (c *Config) validate() {
	if c.ServerPort == "" {
		c.ServerPort = "9090"
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "redis"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "nodefleet:lock:"
	}
	if c.NodeInfo.Backend == "" {
		c.NodeInfo.Backend = "door"
	}
	if c.Door.Timeout == 0 {
		c.Door.Timeout = 10 * time.Second
	}
	if c.Cloud.RegionSearchTimeout == 0 {
		c.Cloud.RegionSearchTimeout = 30 * time.Second
	}
	if c.Etcd.DialTimeout == 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	c.Agent.validate()
	c.Reconcile.validate()
}

func (a *AgentConfig) validate() {
	if a.SuccessMarker == "" {
		a.SuccessMarker = "agent start success"
	}
	if a.StatusKey == "" {
		a.StatusKey = "AGENT_INSTALL_STATUS"
	}
	if a.ShutdownCmd == "" {
		a.ShutdownCmd = "sh /opt/perf-agent/bin/shutdown.sh"
	}
	if a.StartupCmd == "" {
		a.StartupCmd = "sh /opt/perf-agent/bin/startup.sh"
	}
	if a.SSHTimeout == 0 {
		a.SSHTimeout = 10 * time.Second
	}
	if a.ProbeTimeout == 0 {
		a.ProbeTimeout = 3 * time.Second
	}
}

func (r *ReconcileConfig) validate() {
	r.SyncInstanceInfo.fill(5*time.Minute, 10*time.Minute, 100)
	r.AgentAutoInstall.fill(10*time.Minute, 30*time.Minute, 50)
	r.ExpireInstances.fill(10*time.Minute, 5*time.Minute, 100)
	if r.ExpireInstances.Grace == 0 {
		r.ExpireInstances.Grace = 60 * time.Minute
	}
}

func (j *JobConfig) fill(interval, ttl time.Duration, batch int) {
	if j.Interval == 0 {
		j.Interval = interval
	}
	if j.LockTTL == 0 {
		j.LockTTL = ttl
	}
	if j.Batch == 0 {
		j.Batch = batch
	}
}
