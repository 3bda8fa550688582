package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chunkclaim.dev/internal/catalog"
	"chunkclaim.dev/internal/claim"
	"chunkclaim.dev/internal/claim/cache"
	"chunkclaim.dev/internal/claim/lockreg"
	"chunkclaim.dev/internal/claim/store"
	"chunkclaim.dev/internal/claim/village"
	"chunkclaim.dev/internal/config"
	persistlog "chunkclaim.dev/internal/persistence/log"
	"chunkclaim.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (empty for defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dbPath     = flag.String("db", "", "sqlite database path (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[claimd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Listen = *addr
	}
	if strings.TrimSpace(*dbPath) != "" {
		cfg.DBPath = *dbPath
	}

	costs := catalog.Default()
	if strings.TrimSpace(cfg.CostsPath) != "" {
		costs, err = catalog.Load(cfg.CostsPath)
		if err != nil {
			logger.Fatalf("load costs: %v", err)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Warm the read projection before accepting traffic.
	ca := cache.New()
	claims, err := st.LoadAll(ctx)
	if err != nil {
		logger.Fatalf("warm cache: %v", err)
	}
	ca.Load(claims)
	logger.Printf("warmed cache with %d claims from %s", len(claims), cfg.DBPath)

	auditLog := persistlog.NewAuditLogger(cfg.AuditDir, logger)
	defer auditLog.Close()

	feed := ws.NewServer(st, func() int {
		chunks, _, _ := ca.Stats()
		return chunks
	}, logger)

	locks := lockreg.New()
	coord := claim.NewCoordinator(st, ca, locks, logger, claim.CoordinatorOptions{
		Area:        cfg.ClaimArea(),
		Sink:        claim.MultiSink{auditLog, feed},
		LockTimeout: cfg.LockTimeout(),
	})
	villages := village.NewService(st, ca, coord, logger, village.Options{
		BestEffortBatches: cfg.BestEffortBatches,
		Sink:              claim.MultiSink{auditLog, feed},
		LockTimeout:       cfg.LockTimeout(),
	})

	api := &apiServer{
		coord:    coord,
		villages: villages,
		store:    st,
		cache:    ca,
		costs:    costs,
		log:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		chunks, owners, villageCount := ca.Stats()
		active, _ := locks.Stats()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP chunkclaim_claims Current number of claimed chunks.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaim_claims gauge\n")
		fmt.Fprintf(rw, "chunkclaim_claims %d\n", chunks)

		fmt.Fprintf(rw, "# HELP chunkclaim_owners Current number of distinct owners.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaim_owners gauge\n")
		fmt.Fprintf(rw, "chunkclaim_owners %d\n", owners)

		fmt.Fprintf(rw, "# HELP chunkclaim_villages Current number of villages with land.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaim_villages gauge\n")
		fmt.Fprintf(rw, "chunkclaim_villages %d\n", villageCount)

		fmt.Fprintf(rw, "# HELP chunkclaim_locks_active Chunk locks currently held or waited on.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaim_locks_active gauge\n")
		fmt.Fprintf(rw, "chunkclaim_locks_active %d\n", active)

		fmt.Fprintf(rw, "# HELP chunkclaim_ws_subscribers Connected event feed subscribers.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaim_ws_subscribers gauge\n")
		fmt.Fprintf(rw, "chunkclaim_ws_subscribers %d\n", feed.Subscribers())
	})
	api.register(mux)
	mux.HandleFunc("/v1/ws", feed.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
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
