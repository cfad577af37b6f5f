package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flitsinc/agentrt/internal/api"
	"github.com/flitsinc/agentrt/internal/bus"
	"github.com/flitsinc/agentrt/internal/config"
	"github.com/flitsinc/agentrt/internal/runtime"
	"github.com/flitsinc/agentrt/internal/sched"
	"github.com/flitsinc/agentrt/internal/state"
	"github.com/flitsinc/agentrt/internal/unit"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	scheduler := sched.New()
	defer scheduler.Stop()

	msgBus := bus.NewBus(db, scheduler,
		bus.WithChannelCap(cfg.ChannelCap),
		bus.WithRetentionTTL(cfg.RetentionTTL),
		bus.WithSweepInterval(cfg.SweepInterval),
	)
	if err := msgBus.Connect(context.Background()); err != nil {
		log.Fatalf("connect bus: %v", err)
	}
	defer msgBus.Disconnect(context.Background())

	listener, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	hub := unit.NewControlHub(nil)

	manager := runtime.NewManager(db, msgBus, scheduler,
		runtime.WithMaxAgents(cfg.MaxAgents),
		runtime.WithIdleTimeout(cfg.IdleTimeout),
		runtime.WithCleanupGrace(cfg.CleanupGrace),
		runtime.WithCodeDir(cfg.CodeDir),
		runtime.WithLauncher(runtime.IsolationProcess, &unit.ProcessLauncher{
			Hub:        hub,
			Binary:     cfg.UnitBinary,
			ControlURL: controlURL(listener.Addr().String()),
		}),
		runtime.WithLauncher(runtime.IsolationWorker, &unit.WorkerLauncher{}),
		runtime.WithDefaultIsolation(cfg.Isolation),
	)
	if err := manager.Initialize(context.Background()); err != nil {
		log.Fatalf("initialize runtime: %v", err)
	}

	apiServer := &api.Server{Runtime: manager, Bus: msgBus, StartedAt: time.Now()}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/control", hub.Handler())

	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("agentrtd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("control server shutdown error: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// controlURL turns the listen address into the websocket URL handed to unit
// processes. A wildcard host is rewritten to loopback since units always run
// on the same machine.
func controlURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr + "/control"
	}
	if host == "" || host == "::" || strings.HasPrefix(host, "0.0.0.0") {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/control"
}
