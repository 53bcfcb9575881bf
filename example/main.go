package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/querycache/querycache"
	"github.com/querycache/querycache/cache"
	"github.com/querycache/querycache/policy"

	"github.com/dgraph-io/ristretto"
	redis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

const (
	defaultMaxRowsToCache = 100
)

func newRistrettoCache(maxRowsToCache int64) (cache.Cacher, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * maxRowsToCache,
		MaxCost:     maxRowsToCache,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return querycache.NewRistretto(c), nil
}

func newRedisCache() (cache.Cacher, error) {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"127.0.0.1:6379"},
	})

	if _, err := r.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}

	return querycache.NewRedis(r, "qc:"), nil
}

func main() {

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment() failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := newRistrettoCache(defaultMaxRowsToCache)
	if err != nil {
		log.Fatalf("newRistrettoCache() failed: %v", err)
	}

	/*
		c, err := newRedisCache()
		if err != nil {
			log.Fatalf("newRedisCache() failed: %v", err)
		}
	*/

	interceptor, err := querycache.NewInterceptor(&querycache.Config{
		Cache: c, // pick a Cacher implementation of your choice (redis or ristretto)
		Settings: policy.Settings{
			// cache reads touching the books table even without a directive
			Restricted: policy.RestrictedConfig{
				IsActive:       true,
				TableNames:     []string{"books"},
				ExpirationMode: policy.Sliding,
				Timeout:        time.Minute,
			},
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("querycache.NewInterceptor() failed: %v", err)
	}

	defer func() {
		fmt.Printf("\nInterceptor metrics: %+v\n", interceptor.Stats())
	}()

	// install the wrapper which wraps pgx driver
	sql.Register("pgx-querycache", interceptor.Driver(stdlib.GetDefaultDriver()))

	if err := run(); err != nil {
		log.Fatalf("run() failed: %v", err)
	}
}

func run() error {

	db, err := sql.Open("pgx-querycache",
		"host=127.0.0.1 port=5432 user=postgres dbname=postgres sslmode=disable")
	if err != nil {
		return err
	}
	defer db.Close()

	if err = db.PingContext(context.TODO()); err != nil {
		return fmt.Errorf("db.PingContext() failed: %w", err)
	}

	for i := 0; i < 10; i++ {
		start := time.Now()
		if err := doQuery(db); err != nil {
			return fmt.Errorf("doQuery() failed: %w", err)
		}
		fmt.Printf("i=%d; t=%s\n", i, time.Since(start))
		time.Sleep(1 * time.Second)
	}

	// a write through the same db invalidates every entry tagged "books"
	if _, err := db.ExecContext(context.TODO(),
		`INSERT INTO books (name, pages) VALUES ($1, $2)`, "new arrival", 321); err != nil {
		return fmt.Errorf("db.ExecContext() failed: %w", err)
	}

	// this one misses the cache again
	if err := doQuery(db); err != nil {
		return fmt.Errorf("doQuery() failed: %w", err)
	}

	return nil
}

func doQuery(db *sql.DB) error {

	rows, err := db.QueryContext(context.TODO(), `
		-- EFCachePolicy Absolute|5s
		SELECT name, pages FROM books WHERE pages > $1`, 10)
	if err != nil {
		return fmt.Errorf("db.QueryContext() failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var pages int
		if err := rows.Scan(&name, &pages); err != nil {
			return fmt.Errorf("rows.Scan() failed: %w", err)
		}
	}

	return rows.Err()
}
