// Package main 节点生命周期服务入口
//
// 负责装配基础设施与节点管理器，启动对账调度，并暴露 /metrics 与 /healthz。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"nodefleet/internal/agent"
	"nodefleet/internal/cloud/aliyun"
	"nodefleet/internal/config"
	"nodefleet/internal/node"
	"nodefleet/internal/reconcile"
	"nodefleet/internal/shared/credential"
	"nodefleet/internal/shared/door"
	"nodefleet/internal/shared/infra"
	"nodefleet/internal/shared/nodeinfo"
	"nodefleet/internal/shared/sshexec"
	"nodefleet/internal/shared/sysinstall"
	"nodefleet/pkg/logging"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	installService := flag.Bool("install-service", false, "安装为 systemd 服务后退出")
	flag.Parse()

	if *installService {
		err := sysinstall.Install(sysinstall.Unit{
			Name:        "nodefleet-server",
			Description: "nodefleet node lifecycle service",
			BinaryPath:  sysinstall.ExecutablePath(),
			EnvFile:     sysinstall.ConfigDir + "/prod.env",
			After:       []string{"postgresql.service", "redis.service"},
		})
		if err != nil {
			log.Fatalf("Install service failed: %v", err)
		}
		return
	}

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg := config.Load()
	log.Printf("Starting nodefleet... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	if err := run(cfg); err != nil {
		log.Fatalf("nodefleet exited: %v", err)
	}
	fmt.Println("nodefleet stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    "stdout",
		Component: "nodefleet",
	})

	inf, err := infra.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init infra: %w", err)
	}
	defer inf.Close()

	mgr, err := buildManager(cfg, inf)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := reconcile.NewMetrics(reg, "nodefleet")

	sched := reconcile.NewScheduler(inf.Locker, metrics, logger)
	if err := sched.RegisterAll(reconcile.NodeJobs(mgr, cfg.Reconcile, metrics)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(inf, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("nodefleet listening on :%s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()

		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Printf("Scheduler stop error: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildManager 装配节点管理器的外部依赖
func buildManager(cfg *config.Config, inf *infra.Infrastructure) (*node.Manager, error) {
	codec, err := credential.New(cfg.Agent.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("credential codec: %w", err)
	}

	provider, err := aliyun.New(cfg.Cloud)
	if err != nil {
		return nil, fmt.Errorf("cloud provider: %w", err)
	}

	doorClient, err := door.NewClient(cfg.Door)
	if err != nil {
		return nil, fmt.Errorf("door client: %w", err)
	}

	var info nodeinfo.Service = doorClient
	if inf.Mongo != nil {
		info = inf.Mongo
	}

	deps := node.Deps{
		Repo:        inf.Store,
		Cloud:       provider,
		Prober:      sshexec.NewProber(cfg.Agent.ProbeTimeout),
		Installer:   agent.NewInstaller(sshexec.NewClient(cfg.Agent.SSHTimeout), cfg.Agent),
		NodeInfo:    info,
		Orders:      doorClient,
		Quota:       doorClient,
		Events:      inf.Events,
		Codec:       codec,
		ExpireGrace: cfg.Reconcile.ExpireInstances.Grace,
	}
	if inf.Archive != nil {
		deps.Archive = inf.Archive
	}
	return node.NewManager(deps)
}
