// README: Bench cases; environment, HTTP ride flow, dispatch race and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

var (
	pickup = map[string]any{"name": "Connaught Place", "lat": 28.6315, "lng": 77.2167}
	drop   = map[string]any{"name": "India Gate", "lat": 28.6129, "lng": 77.2295}
)

func rideBody() map[string]any {
	return map[string]any{"pickup": pickup, "drop": drop, "vehicleType": "Sedan"}
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return skip("dsn not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return fail(err.Error())
			}
			return pass("")
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return skip("redis not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return fail(err.Error())
			}
			return pass("")
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return skip("apply-migration=false")
			}
			if r.db == nil {
				return fail("db not configured")
			}
			sql, err := os.ReadFile(r.cfg.MigrationPath)
			if err != nil {
				return fail(err.Error())
			}
			for _, s := range splitSQL(string(sql)) {
				if _, err := r.db.Exec(ctx, s); err != nil {
					return fail(err.Error())
				}
			}
			return pass("")
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return skip("db not configured")
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return fail(err.Error())
			}
			for _, t := range tables {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
					t,
				).Scan(&exists)
				if err != nil {
					return fail(err.Error())
				}
				if !exists {
					return fail("missing table: " + t)
				}
			}
			return pass(fmt.Sprintf("tables=%d", len(tables)))
		}},

		statusCase("API: health", http.MethodGet, "/health", "", nil, http.StatusOK),
		statusCase("API: metrics", http.MethodGet, "/metrics", "", nil, http.StatusOK),
		statusCase("API: unauthenticated -> 401", http.MethodGet, "/rides/x", "", nil, http.StatusUnauthorized),

		riderCase("Ride: quote", func(ctx context.Context, r *Runner) Result {
			body := map[string]any{"pickup": pickup, "drop": drop}
			return r.expect(ctx, http.MethodPost, "/rides/quote", r.cfg.RiderToken, body, http.StatusOK)
		}),
		riderCase("Ride: invalid coords -> 400", func(ctx context.Context, r *Runner) Result {
			body := rideBody()
			body["pickup"] = map[string]any{"name": "x", "lat": 123.0, "lng": 456.0}
			return r.expect(ctx, http.MethodPost, "/rides", r.cfg.RiderToken, body, http.StatusBadRequest)
		}),
		riderCase("Ride: create, duplicate, get, history, cancel", rideFlow),
		riderCase("Concurrency: one open ride per rider", concurrentCreate),
		{Name: "Concurrency: first accept wins", Run: concurrentAccept},

		{Name: "Perf: driver location throughput", Run: func(ctx context.Context, r *Runner) Result {
			if len(r.cfg.Drivers) == 0 {
				return skip("no driver accounts")
			}
			d := r.cfg.Drivers[0]
			if res := r.goOnline(ctx, d, true); res.Status != StatusPass {
				return res
			}
			defer r.goOnline(context.WithoutCancel(ctx), d, false)
			return perfLoad(ctx, r, http.MethodPut, "/drivers/"+d.ID+"/location", d.Token, map[string]any{"lat": 28.6315, "lng": 77.2167})
		}},
		riderCase("Perf: quote throughput", func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, http.MethodPost, "/rides/quote", r.cfg.RiderToken, map[string]any{"pickup": pickup, "drop": drop})
		}),
	}
}

func pass(note string) Result { return Result{Status: StatusPass, Note: note} }
func fail(note string) Result { return Result{Status: StatusFail, Note: note} }
func skip(note string) Result { return Result{Status: StatusSkip, Note: note} }

func statusCase(name, method, path, token string, body any, want int) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		return r.expect(ctx, method, path, token, body, want)
	}}
}

func riderCase(name string, run func(ctx context.Context, r *Runner) Result) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		if r.cfg.RiderToken == "" {
			return skip("rider token not configured")
		}
		return run(ctx, r)
	}}
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, time.Since(start), err
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	status, data, latency, err := r.call(ctx, method, path, token, body)
	if err != nil {
		return fail(err.Error())
	}
	res := Result{Status: StatusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	if status != want {
		res.Status = StatusFail
		res.Note = fmt.Sprintf("status=%d want=%d body=%s", status, want, truncate(data))
	}
	return res
}

type ride struct {
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
}

func (r *Runner) createRide(ctx context.Context) (*ride, Result) {
	status, data, latency, err := r.call(ctx, http.MethodPost, "/rides", r.cfg.RiderToken, rideBody())
	if err != nil {
		return nil, fail(err.Error())
	}
	if status != http.StatusCreated {
		return nil, fail(fmt.Sprintf("create status=%d body=%s", status, truncate(data)))
	}
	var b ride
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fail(err.Error())
	}
	return &b, Result{Status: StatusPass, Latency: latency}
}

func (r *Runner) cancelRide(ctx context.Context, id string) {
	_, _, _, _ = r.call(ctx, http.MethodPost, "/rides/"+id+"/cancel", r.cfg.RiderToken, map[string]any{"reason": "bench cleanup"})
}

func rideFlow(ctx context.Context, r *Runner) Result {
	b, res := r.createRide(ctx)
	if b == nil {
		return res
	}
	defer r.cancelRide(context.WithoutCancel(ctx), b.BookingID)

	steps := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodPost, "/rides", rideBody(), http.StatusConflict},
		{http.MethodGet, "/rides/" + b.BookingID, nil, http.StatusOK},
		{http.MethodGet, "/rides/" + b.BookingID + "/history", nil, http.StatusOK},
		{http.MethodPost, "/rides/" + b.BookingID + "/cancel", map[string]any{"reason": "bench"}, http.StatusOK},
		{http.MethodPost, "/rides/" + b.BookingID + "/cancel", nil, http.StatusConflict},
	}
	for _, s := range steps {
		if got := r.expect(ctx, s.method, s.path, r.cfg.RiderToken, s.body, s.want); got.Status != StatusPass {
			got.Note = s.method + " " + s.path + ": " + got.Note
			return got
		}
	}
	return res
}

func concurrentCreate(ctx context.Context, r *Runner) Result {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		other   int
	)
	start := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			status, data, _, err := r.call(ctx, http.MethodPost, "/rides", r.cfg.RiderToken, rideBody())
			mu.Lock()
			defer mu.Unlock()
			if err == nil && status == http.StatusCreated {
				var b ride
				if json.Unmarshal(data, &b) == nil {
					created = append(created, b.BookingID)
				}
				return
			}
			if err != nil || status != http.StatusConflict {
				other++
			}
		}()
	}
	close(start)
	wg.Wait()
	for _, id := range created {
		r.cancelRide(context.WithoutCancel(ctx), id)
	}
	if len(created) != 1 || other > 0 {
		return fail(fmt.Sprintf("created=%d unexpected=%d", len(created), other))
	}
	return pass(fmt.Sprintf("attempts=%d", r.cfg.Concurrency))
}

func (r *Runner) goOnline(ctx context.Context, d Driver, online bool) Result {
	body := map[string]any{"online": online}
	if online {
		body["vehicleType"] = "Sedan"
		body["lat"] = pickup["lat"]
		body["lng"] = pickup["lng"]
	}
	return r.expect(ctx, http.MethodPost, "/drivers/"+d.ID+"/presence", d.Token, body, http.StatusOK)
}

type offer struct {
	OfferID   string `json:"offerId"`
	BookingID string `json:"bookingId"`
}

// awaitOffer polls the driver's pending offers for bookingID.
func (r *Runner) awaitOffer(ctx context.Context, d Driver, bookingID string, wait time.Duration) (string, bool) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		status, data, _, err := r.call(ctx, http.MethodGet, "/drivers/"+d.ID+"/offers", d.Token, nil)
		if err == nil && status == http.StatusOK {
			var body struct {
				Offers []offer `json:"offers"`
			}
			if json.Unmarshal(data, &body) == nil {
				for _, o := range body.Offers {
					if o.BookingID == bookingID {
						return o.OfferID, true
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(250 * time.Millisecond):
		}
	}
	return "", false
}

// concurrentAccept needs the server on the broadcast policy to offer the same
// ride to more than one driver at once.
func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.cfg.RiderToken == "" || len(r.cfg.Drivers) == 0 {
		return skip("needs a rider token and driver accounts")
	}
	for _, d := range r.cfg.Drivers {
		if res := r.goOnline(ctx, d, true); res.Status != StatusPass {
			return res
		}
	}
	defer func() {
		for _, d := range r.cfg.Drivers {
			r.goOnline(context.WithoutCancel(ctx), d, false)
		}
	}()

	b, res := r.createRide(ctx)
	if b == nil {
		return res
	}
	defer r.cancelRide(context.WithoutCancel(ctx), b.BookingID)

	type target struct {
		driver  Driver
		offerID string
	}
	var targets []target
	for _, d := range r.cfg.Drivers {
		if id, ok := r.awaitOffer(ctx, d, b.BookingID, 5*time.Second); ok {
			targets = append(targets, target{d, id})
		}
	}
	if len(targets) == 0 {
		return fail("no driver received an offer")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	start := make(chan struct{})
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			<-start
			status, _, _, err := r.call(ctx, http.MethodPost, "/rides/offers/"+t.offerID+"/respond", t.driver.Token, map[string]any{"accept": true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && status == http.StatusOK:
				accepted++
			case err == nil && status == http.StatusConflict:
				rejected++
			}
		}(t)
	}
	close(start)
	wg.Wait()

	if accepted != 1 || accepted+rejected != len(targets) {
		return fail(fmt.Sprintf("offers=%d accepted=%d rejected=%d", len(targets), accepted, rejected))
	}
	return pass(fmt.Sprintf("offers=%d", len(targets)))
}

func perfLoad(ctx context.Context, r *Runner, method, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		count    int64
		errCount int64
		total    time.Duration
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, latency, err := r.call(ctx, method, path, token, payload)
				mu.Lock()
				if err != nil || status >= 400 {
					errCount++
				} else {
					count++
					total += latency
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return fail(fmt.Sprintf("no requests succeeded, errors=%d", errCount))
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{
		Status:  StatusPass,
		Latency: total / time.Duration(count),
		Note:    fmt.Sprintf("rps=%.1f errors=%d", rps, errCount),
	}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
