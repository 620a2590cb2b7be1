package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tbui-lab/occprobe/internal/adapter/handler"
	"github.com/tbui-lab/occprobe/internal/adapter/storage"
	"github.com/tbui-lab/occprobe/internal/core/domain"
	"github.com/tbui-lab/occprobe/internal/core/service"
	"github.com/tbui-lab/occprobe/internal/port"
)

const (
	defaultMySQLDSN  = "root:root@tcp(localhost:3306)/occprobe?parseTime=true"
	defaultRedisAddr = "localhost:6379"
	defaultIsolation = "read-committed"
	defaultHoldMs    = 500
	runTimeout       = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("mysql", envOr("MYSQL_DSN", defaultMySQLDSN))
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	log.Println("connected to mysql")

	store := storage.NewMySQLAdapter(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	var lock port.RunLocker
	redisAddr := envOr("REDIS_ADDR", defaultRedisAddr)
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable, running without run lease: %v", err)
		} else {
			log.Println("connected to redis")
			defer rdb.Close()
			lock = storage.NewRedisRunLock(rdb)
		}
	}

	if listen := os.Getenv("OCCPROBE_LISTEN"); listen != "" {
		serve(ctx, listen, store, lock)
		return
	}

	if !runOnce(ctx, store, lock) {
		os.Exit(1)
	}
}

// runOnce provisions a fresh record, forces the race on it and reports
// PASS/FAIL against the protocol invariants.
func runOnce(ctx context.Context, store *storage.MySQLAdapter, lock port.RunLocker) bool {
	iso, err := domain.ParseIsolation(envOr("OCCPROBE_ISOLATION", defaultIsolation))
	if err != nil {
		log.Fatalf("bad isolation: %v", err)
	}

	holdMs, err := strconv.Atoi(envOr("OCCPROBE_HOLD_MS", strconv.Itoa(defaultHoldMs)))
	if err != nil {
		log.Fatalf("bad OCCPROBE_HOLD_MS: %v", err)
	}

	cfg := service.RaceConfig{
		Isolation:          iso,
		Hold:               time.Duration(holdMs) * time.Millisecond,
		RollbackBeforeHold: os.Getenv("OCCPROBE_ROLLBACK_BEFORE_HOLD") == "1",
	}

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	key := uuid.New()
	if err := store.CreateRecord(ctx, key, cfg.Isolation); err != nil {
		log.Fatalf("failed to create record: %v", err)
	}
	defer store.DeleteRecord(context.Background(), key, cfg.Isolation)

	rec, err := store.ReadRecord(ctx, key, cfg.Isolation)
	if err != nil {
		log.Fatalf("failed to read record: %v", err)
	}
	log.Printf("created record %s at version %d", key, rec.Version)

	svc := service.NewRaceService(store, lock, cfg)
	result, err := svc.RunScenario(ctx, key, rec.Version)
	if err != nil {
		log.Fatalf("scenario failed: %v", err)
	}

	conflicts := 0
	pass := true
	for _, w := range result.Writers {
		switch {
		case service.IsConflict(w.Err):
			conflicts++
			log.Printf("writer %s: first=%d second=%d -> conflict", w.Writer, w.FirstCount, w.SecondCount)
		case w.Err != nil:
			pass = false
			log.Printf("writer %s: first=%d second=%d -> error: %v", w.Writer, w.FirstCount, w.SecondCount, w.Err)
		default:
			log.Printf("writer %s: first=%d second=%d -> ok", w.Writer, w.FirstCount, w.SecondCount)
		}
	}

	// Exactly one of: both writers clean with a single advance, or at
	// least one detected conflict. Anything else is a lost update.
	advanced := result.FinalVersion - rec.Version
	if conflicts == 0 && advanced != 1 {
		pass = false
	}
	if advanced > 1 {
		pass = false
	}

	log.Printf("final version: %d (advanced by %d, conflicts: %d)", result.FinalVersion, advanced, conflicts)
	if pass {
		log.Println("PASS: version advanced at most once and no writer lost an update silently")
	} else {
		log.Println("FAIL: protocol violation, see outcomes above")
	}
	return pass
}

func serve(ctx context.Context, addr string, store *storage.MySQLAdapter, lock port.RunLocker) {
	h := handler.NewHTTPHandler(store, lock)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/api/records", h.Records)
	mux.HandleFunc("/api/race", h.Race)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Println("HTTP server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
