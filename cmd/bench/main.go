// README: Smoke and load runner against a live rideline API plus its Postgres and Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

// Driver is one test driver account: its Firebase uid and an ID token for it.
type Driver struct {
	ID    string
	Token string
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
	RiderToken     string
	Drivers        []Driver
}

func loadConfig() Config {
	var cfg Config
	var drivers string
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("RIDELINE_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("RIDELINE_DB_DSN", ""), "Postgres DSN (empty skips db checks)")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("RIDELINE_REDIS_ADDR", ""), "Redis address (empty skips redis checks)")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("RIDELINE_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("RIDELINE_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("RIDELINE_BENCH_STRICT", false), "Fail on skipped cases")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("RIDELINE_BENCH_TIMEOUT", 90*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("RIDELINE_BENCH_CONCURRENCY", 20), "Concurrency for perf tests")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("RIDELINE_BENCH_DURATION", 10*time.Second), "Duration for perf tests")
	flag.StringVar(&cfg.RiderToken, "rider-token", envOrDefault("RIDELINE_BENCH_RIDER_TOKEN", ""), "Firebase ID token of a rider account")
	flag.StringVar(&drivers, "drivers", envOrDefault("RIDELINE_BENCH_DRIVERS", ""), "Comma separated uid=token pairs of driver accounts")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Drivers = parseDrivers(drivers)
	return cfg
}

func parseDrivers(v string) []Driver {
	var out []Driver
	for _, pair := range strings.Split(v, ",") {
		id, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || token == "" {
			continue
		}
		out = append(out, Driver{ID: id, Token: token})
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
