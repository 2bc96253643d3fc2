// Package main runs an incremental HTTP/1.1 load test against an in-process
// alembic server. Clients are added at a fixed interval until the test
// duration ends; every request must end in a status code, and 503s from the
// connection limit are reported separately from dropped connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/alembic/pkg/alembic"
)

// LoadConfig controls the ramp-up.
type LoadConfig struct {
	Addr           string
	MaxConnections int
	RampUpInterval time.Duration
	ClientsPerStep int
	Duration       time.Duration
	RequestTimeout time.Duration
	RequestDelay   time.Duration
}

// Result summarizes a run.
type Result struct {
	Duration   time.Duration
	MaxClients int
	Requests   int64
	Successful int64
	Dropped    int64
	MaxRPS     float64
	RPSClients int
	Status     map[int]int64
}

// Runner drives the clients and collects counts.
type Runner struct {
	cfg     LoadConfig
	server  *alembic.Server
	clients atomic.Int64
	ok      atomic.Int64

	mu     sync.Mutex
	result Result
	wg     sync.WaitGroup
}

// rrTransport spreads requests over several transports so that one
// connection pool does not become the bottleneck.
type rrTransport struct {
	transports []http.RoundTripper
	idx        atomic.Uint64
}

func (r *rrTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	i := r.idx.Add(1)
	return r.transports[i%uint64(len(r.transports))].RoundTrip(req)
}

func newClient(timeout time.Duration) *http.Client {
	trs := make([]http.RoundTripper, 4)
	for i := range trs {
		trs[i] = &http.Transport{
			MaxIdleConnsPerHost: 10000,
			DisableCompression:  true,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &http.Client{Timeout: timeout, Transport: &rrTransport{transports: trs}}
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg LoadConfig) *Runner {
	return &Runner{cfg: cfg, result: Result{Status: make(map[int]int64)}}
}

func (r *Runner) startServer() error {
	config := alembic.DefaultConfig()
	config.Addr = r.cfg.Addr
	config.MaxConnections = r.cfg.MaxConnections
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	r.server = alembic.New(config)
	r.server.GET("/", func(_ context.Context, _ *alembic.Request) (*alembic.Response, error) {
		return alembic.Text(200, "OK"), nil
	})
	if err := r.server.Start(); err != nil {
		return err
	}

	for i := 0; i < 50; i++ {
		resp, err := http.Get("http://" + r.cfg.Addr + "/") //nolint:noctx
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server on %s did not become ready", r.cfg.Addr)
}

// Run starts the server, ramps up clients and returns the collected result.
func (r *Runner) Run() (*Result, error) {
	if err := r.startServer(); err != nil {
		return nil, err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.server.Stop(ctx)
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Duration)
	defer cancel()

	go r.measure(ctx)

	ticker := time.NewTicker(r.cfg.RampUpInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			for i := 0; i < r.cfg.ClientsPerStep; i++ {
				r.clients.Add(1)
				r.wg.Add(1)
				go r.runClient(ctx, newClient(r.cfg.RequestTimeout))
			}
		}
	}
	r.wg.Wait()

	r.result.Duration = time.Since(start)
	r.result.MaxClients = int(r.clients.Load())
	return &r.result, nil
}

// measure samples successful requests once per second.
func (r *Runner) measure(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rps := float64(r.ok.Swap(0)) / now.Sub(last).Seconds()
			last = now
			r.mu.Lock()
			if rps > r.result.MaxRPS {
				r.result.MaxRPS = rps
				r.result.RPSClients = int(r.clients.Load())
			}
			r.mu.Unlock()
		}
	}
}

func (r *Runner) runClient(ctx context.Context, client *http.Client) {
	defer r.wg.Done()
	url := "http://" + r.cfg.Addr + "/"

	for ctx.Err() == nil {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err != nil && ctx.Err() != nil {
			return
		}
		r.track(resp, err)
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		time.Sleep(r.cfg.RequestDelay)
	}
}

func (r *Runner) track(resp *http.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Requests++
	if err != nil {
		r.result.Dropped++
		r.result.Status[0]++
		return
	}
	r.result.Status[resp.StatusCode]++
	if resp.StatusCode == 200 {
		r.result.Successful++
		r.ok.Add(1)
	}
}

// Print writes a summary to stdout.
func (res *Result) Print() {
	fmt.Printf("\n=== Incremental Load Test Results ===\n")
	fmt.Printf("Duration: %v\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("Max Clients: %d\n", res.MaxClients)
	fmt.Printf("Max RPS: %.0f (at %d clients)\n", res.MaxRPS, res.RPSClients)
	fmt.Printf("Total Requests: %d\n", res.Requests)
	fmt.Printf("Successful Requests: %d\n", res.Successful)
	fmt.Printf("Dropped Connections: %d\n", res.Dropped)

	codes := make([]int, 0, len(res.Status))
	for code := range res.Status {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Printf("\n=== Status Code Distribution ===\n")
	for _, code := range codes {
		pct := float64(res.Status[code]) / float64(max(res.Requests, 1)) * 100
		fmt.Printf("  %d: %d (%.2f%%)\n", code, res.Status[code], pct)
	}
}

func main() {
	var cfg LoadConfig
	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:18080", "server listen address")
	flag.IntVar(&cfg.MaxConnections, "max-conns", 1000, "server connection limit (0 means unlimited)")
	flag.DurationVar(&cfg.RampUpInterval, "interval", 25*time.Millisecond, "time between ramp-up steps")
	flag.IntVar(&cfg.ClientsPerStep, "step", 1, "clients added per step")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 3*time.Second, "per-request timeout")
	flag.DurationVar(&cfg.RequestDelay, "delay", 2*time.Millisecond, "delay between requests per client")
	flag.Parse()

	res, err := NewRunner(cfg).Run()
	if err != nil {
		log.Fatal(err)
	}
	res.Print()

	if res.Dropped > 0 {
		fmt.Printf("\nFAIL: %d requests ended without a status code\n", res.Dropped)
		os.Exit(1)
	}
	fmt.Printf("\nPASS: every request received a response\n")
}
