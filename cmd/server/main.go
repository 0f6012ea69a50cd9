package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"voxelsync.ai/internal/config"
	"voxelsync.ai/internal/metrics"
	"voxelsync.ai/internal/server"
	"voxelsync.ai/internal/transport/tcp"
	"voxelsync.ai/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		tcpAddr      = flag.String("tcp", ":8081", "yamux tcp listen address (empty to disable)")
		configPath   = flag.String("config", "", "path to netsync.yaml (empty for defaults)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite snapshot index")
		disableLog   = flag.Bool("disable_traffic_log", false, "do not record inbound traffic")
		snapshotKeep = flag.Int("snapshot_keep", 0, "snapshots to keep on disk (0 keeps all)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	st, err := openStorage(storageConfig{
		DataDir:      *dataDir,
		DisableDB:    *disableDB,
		DisableLog:   *disableLog,
		SnapshotKeep: *snapshotKeep,
	}, logger)
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer st.Close()

	initial, err := st.initialBlocks(logger)
	if err != nil {
		logger.Fatalf("load blocks: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := server.Options{
		Config:        cfg,
		Logger:        logger,
		Metrics:       m,
		Blocks:        st.blocks,
		Snapshots:     st.snapshots,
		InitialBlocks: initial,
	}
	if st.traffic != nil {
		opts.Traffic = st.traffic
	}
	hub := server.New(opts)
	logger.Printf("world loaded: blocks=%d tick_rate_hz=%d", len(initial), cfg.Server.TickRateHz)

	ctx, cancel := signalContext()
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("hub stopped: %v", err)
		}
	}()

	if strings.TrimSpace(*tcpAddr) != "" {
		l, err := net.Listen("tcp", *tcpAddr)
		if err != nil {
			logger.Fatalf("tcp listen: %v", err)
		}
		ts := tcp.NewServer(hub, cfg.Server.MaxQueue, logger)
		go func() {
			if err := ts.Serve(ctx, l); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Printf("tcp server: %v", err)
			}
		}()
		logger.Printf("tcp listening on %s", l.Addr())
	}

	a := &app{
		hub:         hub,
		index:       st.index,
		snapDir:     st.snapshots.Dir,
		registry:    reg,
		ws:          ws.NewServer(hub, cfg.Server.MaxQueue, logger).Handler(),
		log:         logger,
		enableAdmin: envBool("VC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		enablePprof: envBool("VC_ENABLE_PPROF_HTTP", false),
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-hubDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
