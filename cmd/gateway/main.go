package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/webconsole-io/gateway/internal/auth"
	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/config"
	"github.com/webconsole-io/gateway/internal/dockerproxy"
	"github.com/webconsole-io/gateway/internal/filerelay"
	"github.com/webconsole-io/gateway/internal/files"
	"github.com/webconsole-io/gateway/internal/handlers"
	"github.com/webconsole-io/gateway/internal/logging"
	"github.com/webconsole-io/gateway/internal/registry"
	"github.com/webconsole-io/gateway/internal/remotecmd"
	"github.com/webconsole-io/gateway/internal/sshpool"
	"github.com/webconsole-io/gateway/internal/store"
	"github.com/webconsole-io/gateway/internal/target"
	"github.com/webconsole-io/gateway/internal/transport/sshconn"
)

func main() {
	config.Load()

	logging.Init()
	defer logging.Close()

	st, err := store.Open(config.Cfg.DatabasePath, config.Cfg.RecordTTL)
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}
	defer st.Close()

	key, err := target.LoadOrCreateKey(filepath.Join(config.Cfg.DataPath, "credential.key"))
	if err != nil {
		log.Fatalf("Credential key: %v", err)
	}
	targets, err := target.Load(config.Cfg.TargetsPath, config.Cfg.UsersPath, key)
	if err != nil {
		log.Fatalf("Target config: %v", err)
	}

	dialer := sshconn.NewDialer(config.Cfg.ConnectTimeout)
	pool := sshpool.New(dialer, config.Cfg.MaxChannelsPerConn)
	defer pool.CloseAll()

	b := bus.New()
	exec := remotecmd.Executor{SettleWait: config.Cfg.ExecSettleWait}

	reg := registry.New(pool, st, targets, b, registry.Options{
		IdleTimeout:          config.Cfg.IdleTimeout,
		MaxSessionsPerTarget: config.Cfg.MaxSessionsPerTarget,
		HistoryLimit:         config.Cfg.HistoryLimit,
	})
	reg.LoadRestorable()

	docker := dockerproxy.New(pool, dockerproxy.Options{
		CacheTTL:    config.Cfg.DockerCacheTTL,
		Concurrency: config.Cfg.DockerConcurrency,
		PermitWait:  config.Cfg.DockerPermitWait,
		Exec:        exec,
	})
	fileSvc := files.New(pool, exec, b)
	relay := filerelay.New(pool, targets, exec, b, config.Cfg.DirectCopyTimeout)

	scheduler := cron.New()
	reapSpec := "@every " + config.Cfg.ReapInterval.String()
	if _, err := scheduler.AddFunc(reapSpec, func() {
		if n := reg.ReapIdle(); n > 0 {
			log.Printf("Reaped %d idle session(s)", n)
		}
		if n, err := st.PurgeExpired(); err != nil {
			log.Printf("Purge expired records: %v", err)
		} else if n > 0 {
			log.Printf("Purged %d expired record(s)", n)
		}
		docker.Sweep()
	}); err != nil {
		log.Fatalf("Schedule reaper: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	h := &handlers.Handlers{
		Registry: reg,
		Docker:   docker,
		Files:    fileSvc,
		Relay:    relay,
		Targets:  targets,
		Pool:     pool,
		Bus:      b,
		Verifier: auth.NewVerifier(key),
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: h.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Gateway listening on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reg.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
