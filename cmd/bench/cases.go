// README: Smoke cases for the dispatch API; covers the ride flow, validation, infra reachability and load.
package main

import (
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

	"arkdispatch/internal/config"
	"arkdispatch/internal/ingest"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	run   string

	// Set by the ride flow cases and read by the ones after them.
	tripID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   fmt.Sprintf("b%d", time.Now().Unix()),
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
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
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

// id scopes fixture ids to this run so repeated runs do not collide.
func (r *Runner) id(name string) string {
	return r.run + "-" + name
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	driver := r.id("d1")
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "storage reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "offer store reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "tables from migrations/0001_init.sql",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		httpCaseMethod("API: health", http.MethodGet, base+"/health", nil, []int{200}),

		// Driver presence
		httpCaseMethod("Driver: report position", http.MethodPut, base+"/api/drivers/"+driver+"/location", map[string]any{
			"lat": 25.0400, "lng": 121.5654, "speed_kmh": 0,
		}, []int{200}),
		httpCase("Driver: go online", base+"/api/drivers/"+driver+"/online", map[string]any{
			"capacity": 4, "verified": true,
		}, []int{200}),
		httpCaseMethod("Driver: invalid coords -> 400", http.MethodPut, base+"/api/drivers/"+driver+"/location", map[string]any{
			"lat": 123.0, "lng": 456.0,
		}, []int{400}),

		// Ride flow
		{
			Name:  "Ride: request",
			Focus: "trip created and offered",
			Run: func(ctx context.Context, r *Runner) Result {
				var out struct {
					TripID string `json:"tripId"`
					Status string `json:"status"`
				}
				res := r.call(ctx, http.MethodPost, base+"/api/rides", map[string]any{
					"passenger_id": r.id("p1"),
					"pickup_lat":   25.0330, "pickup_lng": 121.5654,
					"dropoff_lat": 25.0478, "dropoff_lng": 121.5170,
				}, []int{201}, &out)
				if res.Status == "PASS" {
					r.tripID = out.TripID
					res.Note += " trip_status=" + out.Status
				}
				return res
			},
		},
		httpCase("Ride: request missing fields -> 400", base+"/api/rides", map[string]any{}, []int{400}),
		r.tripCase("Ride: live status", http.MethodGet, "", nil, []int{200}),
		r.tripCase("Ride: accept offer", http.MethodPost, "/offer", map[string]any{"driver_id": driver, "accept": true}, []int{200}),
		r.tripCase("Ride: start trip", http.MethodPost, "/start", map[string]any{"driver_id": driver}, []int{200}),
		r.tripCase("Ride: add passengers", http.MethodPost, "/passengers", map[string]any{"count": 1}, []int{200}),
		r.tripCase("Ride: reroute without proposal -> 409", http.MethodPost, "/reroute", map[string]any{"driver_id": driver, "accept": true}, []int{409}),
		r.tripCase("Ride: complete trip", http.MethodPost, "/complete", map[string]any{"driver_id": driver}, []int{200}),
		r.tripCase("Ride: completed cannot cancel -> 409", http.MethodPost, "/cancel", nil, []int{409}),

		httpCaseMethod("Demand: hot routes", http.MethodGet, base+"/api/demand/hot?lat=25.033&lng=121.565", nil, []int{200}),
		httpCase("Driver: go offline", base+"/api/drivers/"+driver+"/offline", nil, []int{200}),

		// Performance
		{
			Name:  "Perf: position update throughput",
			Focus: "50-100 position updates per second",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPut, base+"/api/drivers/"+r.id("load")+"/location", map[string]any{
					"lat": 25.033, "lng": 121.565, "speed_kmh": 30,
				})
			},
		},
		{
			Name:  "Perf: kafka position publish",
			Focus: "position ingestion over the broker",
			Run:   kafkaLoad,
		},
	}
}

// tripCase targets the trip created by the request case.
func (r *Runner) tripCase(name, method, suffix string, body any, okStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: "SKIP", Note: "no trip from request case"}
			}
			return r.call(ctx, method, r.cfg.BaseURL+"/api/rides/"+r.tripID+suffix, body, okStatuses, nil)
		},
	}
}

func httpCase(name, url string, body any, okStatuses []int) TestCase {
	return httpCaseMethod(name, http.MethodPost, url, body, okStatuses)
}

func httpCaseMethod(name, method, url string, body any, okStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			return r.call(ctx, method, url, body, okStatuses, nil)
		},
	}
}

// call sends one JSON request and decodes the response into out when given.
func (r *Runner) call(ctx context.Context, method, url string, body any, okStatuses []int, out any) Result {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	note := fmt.Sprintf("status=%d", resp.StatusCode)
	if !contains(okStatuses, resp.StatusCode) {
		return Result{Status: "FAIL", Latency: latency, Note: note + " body=" + strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Result{Status: "FAIL", Latency: latency, Note: err.Error()}
		}
	}
	return Result{Status: "PASS", Latency: latency, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, url string, payload any) Result {
	b, _ := json.Marshal(payload)
	end := time.Now().Add(r.cfg.Duration)
	var count int64
	var errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				req, _ := http.NewRequestWithContext(ctx, method, url, strings.NewReader(string(b)))
				req.Header.Set("Content-Type", "application/json")
				resp, err := r.httpc.Do(req)
				if err != nil {
					mu.Lock()
					errCount++
					mu.Unlock()
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

// kafkaLoad publishes batches of positions for a fleet of synthetic drivers
// drifting north along a line.
func kafkaLoad(ctx context.Context, r *Runner) Result {
	if r.cfg.KafkaBrokers == "" {
		return Result{Status: "SKIP", Note: "kafka not configured"}
	}
	producer := ingest.NewProducer(config.KafkaConfig{
		Brokers:       strings.Split(r.cfg.KafkaBrokers, ","),
		PositionTopic: r.cfg.PositionTopic,
	})
	defer producer.Close()

	const fleet = 50
	end := time.Now().Add(r.cfg.Duration)
	sent := 0
	start := time.Now()
	for step := 0; time.Now().Before(end); step++ {
		batch := make([]ingest.PositionMessage, 0, fleet)
		for i := 0; i < fleet; i++ {
			batch = append(batch, ingest.PositionMessage{
				DriverID: r.id(fmt.Sprintf("k%d", i)),
				Lat:      25.00 + float64(step)*0.0001,
				Lng:      121.50 + float64(i)*0.001,
				SpeedKmh: 30,
			})
		}
		if err := producer.Publish(ctx, batch...); err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		sent += len(batch)
	}
	rate := float64(sent) / time.Since(start).Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("messages=%d rate=%.1f/s", sent, rate)}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
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
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
