package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tradegrid/internal/config"
	"tradegrid/internal/platform"
	"tradegrid/internal/server"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"
)

const _defaultAddr = ":8080"

func main() {
	if err := run(); err != nil {
		logs.Errorf("platform exited with error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", config.DefaultPlatformPath, "platform config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadPlatform(*configPath)
	if err != nil {
		return err
	}

	if cfg.Observability.PyroscopeEnabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "tradegrid",
			ServerAddress:   cfg.Observability.PyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Warnf("pyroscope start failed: %v", err)
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	p, err := platform.Load(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if addr == "" {
		addr = _defaultAddr
	}
	srv := server.New(addr, p)
	go func() {
		if err := srv.Run(); err != nil {
			logs.Errorf("control server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logs.Info("shutdown signal received")

	if err := srv.Shutdown(context.Background()); err != nil {
		logs.Errorf("control server shutdown: %v", err)
	}
	if p.Status() == platform.StatusActive {
		if err := p.Stop(); err != nil {
			return err
		}
	}
	return nil
}
