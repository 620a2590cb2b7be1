package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/tbui-lab/occprobe/internal/adapter/storage"
)

const (
	mysqlDSN      = "root:root@tcp(localhost:3306)/occprobe?parseTime=true"
	writerCount   = 10
	attemptsEach  = 20
	totalAttempts = writerCount * attemptsEach
)

// Hammers one record with concurrent conditional updates and checks that
// the final version equals 1 + the number of successful advances: stale
// writers must be rejected, never silently reapplied.
func main() {
	ctx := context.Background()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = mysqlDSN
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}

	store := storage.NewMySQLAdapter(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	key := uuid.New()
	if err := store.CreateRecord(ctx, key, sql.LevelReadCommitted); err != nil {
		log.Fatalf("failed to create record: %v", err)
	}
	defer store.DeleteRecord(context.Background(), key, sql.LevelReadCommitted)

	var advanced atomic.Int64
	var stale atomic.Int64
	var failed atomic.Int64

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < writerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < attemptsEach; j++ {
				rec, err := store.ReadRecord(ctx, key, sql.LevelReadCommitted)
				if err != nil {
					failed.Add(1)
					continue
				}

				tx, err := store.Begin(ctx, sql.LevelReadCommitted)
				if err != nil {
					failed.Add(1)
					continue
				}

				count, err := tx.TryAdvance(ctx, key, rec.Version)
				if err != nil {
					tx.Rollback()
					failed.Add(1)
					continue
				}
				if count == 0 {
					// someone advanced between our read and update
					tx.Rollback()
					stale.Add(1)
					continue
				}
				if err := tx.Commit(); err != nil {
					failed.Add(1)
					continue
				}
				advanced.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := store.ReadRecord(ctx, key, sql.LevelReadCommitted)
	if err != nil {
		log.Fatalf("failed to read final version: %v", err)
	}

	fmt.Println("========== STRESS RESULTS ==========")
	fmt.Printf("Writers:          %d\n", writerCount)
	fmt.Printf("Total Attempts:   %d\n", totalAttempts)
	fmt.Printf("Advanced:         %d\n", advanced.Load())
	fmt.Printf("Stale Rejections: %d\n", stale.Load())
	fmt.Printf("Errors:           %d\n", failed.Load())
	fmt.Printf("Final Version:    %d\n", final.Version)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("====================================")

	want := 1 + advanced.Load()
	if final.Version == want && failed.Load() == 0 {
		fmt.Printf("PASS: version %d matches 1 + %d successful advances\n", final.Version, advanced.Load())
	} else {
		fmt.Printf("FAIL: expected version %d, got %d (%d errors)\n", want, final.Version, failed.Load())
		os.Exit(1)
	}
}
