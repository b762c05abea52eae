package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/pkg/rpc"
)

type Config struct {
	Mode        string
	BaseURL     string
	RPCAddr     string
	Alphabet    string
	Concurrency int
	Duration    time.Duration
	Gestures    [][][]drawing.Point
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	matchCount    atomic.Int64
	cacheHits     atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, matched, cacheHit bool, err error) {
	s.totalRequests.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}
	if matched {
		s.matchCount.Add(1)
	}
	if cacheHit {
		s.cacheHits.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func main() {
	mode := flag.String("mode", "http", "transport to load: http or rpc")
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the HTTP API")
	rpcAddr := flag.String("rpc", "localhost:6969", "address of the JSON-RPC listener")
	abc := flag.String("abc", "", "alphabet to recognize against")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	unique := flag.Int("gestures", 50, "number of distinct gestures to cycle through")
	flag.Parse()

	if *abc == "" {
		fmt.Fprintln(os.Stderr, "-abc is required")
		os.Exit(2)
	}
	if *mode != "http" && *mode != "rpc" {
		fmt.Fprintf(os.Stderr, "unknown -mode %q\n", *mode)
		os.Exit(2)
	}

	cfg := Config{
		Mode:        *mode,
		BaseURL:     *baseURL,
		RPCAddr:     *rpcAddr,
		Alphabet:    *abc,
		Concurrency: *concurrency,
		Duration:    *duration,
		Gestures:    gestures(*unique),
	}

	fmt.Println("=== TexnoMagic Recognition Load Test ===")
	if cfg.Mode == "rpc" {
		fmt.Printf("Target:      rpc://%s\n", cfg.RPCAddr)
	} else {
		fmt.Printf("Target:      %s\n", cfg.BaseURL)
	}
	fmt.Printf("Alphabet:    %s\n", cfg.Alphabet)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Gestures:    %d unique\n", len(cfg.Gestures))
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

// gestures returns n noisy circles, crosses and zigzags.
func gestures(n int) [][][]drawing.Point {
	rng := rand.New(rand.NewPCG(1, 2))
	noise := func() float64 { return 20 * (rng.Float64() - 0.5) }
	out := make([][][]drawing.Point, n)
	for g := range out {
		pts := 40 + rng.IntN(60)
		switch g % 3 {
		case 0:
			c := make([]drawing.Point, pts)
			for i := range c {
				a := 2 * math.Pi * float64(i) / float64(pts)
				c[i] = drawing.Point{X: 500 + 400*math.Cos(a) + noise(), Y: 500 + 400*math.Sin(a) + noise()}
			}
			out[g] = [][]drawing.Point{c}
		case 1:
			h := make([]drawing.Point, pts)
			v := make([]drawing.Point, pts)
			for i := range h {
				t := 1000 * float64(i) / float64(pts-1)
				h[i] = drawing.Point{X: t, Y: 500 + noise()}
				v[i] = drawing.Point{X: 500 + noise(), Y: t}
			}
			out[g] = [][]drawing.Point{h, v}
		default:
			z := make([]drawing.Point, pts)
			for i := range z {
				t := 1000 * float64(i) / float64(pts-1)
				y := 200.0
				if (i/10)%2 == 1 {
					y = 800
				}
				z[i] = drawing.Point{X: t, Y: y + noise()}
			}
			out[g] = [][]drawing.Point{z}
		}
	}
	return out
}

type recognizeFunc func(ctx context.Context, curves [][]drawing.Point) (status int, matched, cacheHit bool, err error)

func httpRecognizer(cfg Config) recognizeFunc {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	endpoint := fmt.Sprintf("%s/api/v1/alphabets/%s/recognize", cfg.BaseURL, cfg.Alphabet)

	return func(ctx context.Context, curves [][]drawing.Point) (int, bool, bool, error) {
		body, err := json.Marshal(map[string]any{"curves": curves})
		if err != nil {
			return 0, false, false, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return 0, false, false, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return 0, false, false, err
		}
		defer resp.Body.Close()

		var rec struct {
			Matched  bool `json:"matched"`
			CacheHit bool `json:"cache_hit"`
		}
		json.NewDecoder(resp.Body).Decode(&rec)
		return resp.StatusCode, rec.Matched, rec.CacheHit, nil
	}
}

// rpcRecognizer dials a connection of its own since calls are serialised
// per client.
func rpcRecognizer(cfg Config) (recognizeFunc, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := rpc.Dial(ctx, cfg.RPCAddr)
	if err != nil {
		return nil, nil, err
	}
	fn := func(ctx context.Context, curves [][]drawing.Point) (int, bool, bool, error) {
		var out struct {
			Symbol *string `json:"symbol"`
		}
		if err := c.Call(ctx, "recognize", map[string]any{"abc": cfg.Alphabet, "curves": curves}, &out); err != nil {
			return 0, false, false, err
		}
		return http.StatusOK, out.Symbol != nil, false, nil
	}
	return fn, func() { c.Close() }, nil
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()

	shared := httpRecognizer(cfg)
	newWorker := func() (recognizeFunc, func(), error) {
		if cfg.Mode == "rpc" {
			return rpcRecognizer(cfg)
		}
		return shared, func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			recognize, closeFn, err := newWorker()
			if err != nil {
				stats.RecordRequest(0, 0, false, false, err)
				return
			}
			defer closeFn()
			idx := workerID

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				curves := cfg.Gestures[idx%len(cfg.Gestures)]
				idx++

				start := time.Now()
				status, matched, hit, err := recognize(ctx, curves)
				if ctx.Err() != nil {
					return
				}
				stats.RecordRequest(time.Since(start), status, matched, hit, err)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)
	fmt.Printf("Matched:         %d\n", stats.matchCount.Load())
	fmt.Printf("Cache Hits:      %d\n", stats.cacheHits.Load())

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is texnomagic-server running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
