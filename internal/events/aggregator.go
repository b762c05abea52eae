package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/texnomagic/texnomagic/pkg/kafka"
)

// maxLatencies bounds the latency window used for percentiles.
const maxLatencies = 10000

// Stats is the aggregated view of recognizer activity.
type Stats struct {
	TotalRecognitions  int64         `json:"total_recognitions"`
	Matches            int64         `json:"matches"`
	NoMatches          int64         `json:"no_matches"`
	CacheHits          int64         `json:"cache_hits"`
	CacheMisses        int64         `json:"cache_misses"`
	AvgLatencyMs       float64       `json:"avg_latency_ms"`
	P50LatencyMs       int64         `json:"p50_latency_ms"`
	P95LatencyMs       int64         `json:"p95_latency_ms"`
	P99LatencyMs       int64         `json:"p99_latency_ms"`
	AvgMatchScore      float64       `json:"avg_match_score"`
	TopSymbols         []SymbolCount `json:"top_symbols"`
	Trainings          int64         `json:"trainings"`
	TrainingFailures   int64         `json:"training_failures"`
	Checks             int64         `json:"checks"`
	CheckErrors        int64         `json:"check_errors"`
	RecognitionsPerMin float64       `json:"recognitions_per_minute"`
}

// SymbolCount counts matches of one symbol in one alphabet.
type SymbolCount struct {
	Alphabet string `json:"alphabet"`
	Symbol   string `json:"symbol"`
	Count    int64  `json:"count"`
}

type symbolKey struct {
	alphabet, symbol string
}

// Aggregator folds events into Stats. It is safe for concurrent use.
type Aggregator struct {
	mu           sync.RWMutex
	stats        Stats
	scoreSum     float64
	latencies    []int64
	latencyNext  int
	symbolCounts map[symbolKey]int64
	startTime    time.Time
	now          func() time.Time
	logger       *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:    make([]int64, 0, 1024),
		symbolCounts: make(map[symbolKey]int64),
		startTime:    time.Now(),
		now:          time.Now,
		logger:       slog.Default().With("component", "event-aggregator"),
	}
}

// Handler returns a Kafka message handler feeding the aggregator.
// Undecodable messages are skipped.
func (a *Aggregator) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := decode(value)
		if err != nil {
			a.logger.Warn("dropping undecodable event", "key", string(key), "error", err)
			return nil
		}
		a.Record(event)
		return nil
	}
}

// Track is Record, so the aggregator can stand in for a Collector when
// events are not published to Kafka.
func (a *Aggregator) Track(event any) {
	a.Record(event)
}

// Record folds one event value into the statistics. Unknown values are
// ignored.
func (a *Aggregator) Record(event any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e := event.(type) {
	case RecognitionEvent:
		a.recordRecognition(e)
	case TrainEvent:
		a.stats.Trainings++
		if !e.Success {
			a.stats.TrainingFailures++
		}
	case CheckEvent:
		a.stats.Checks++
		if e.Errors > 0 {
			a.stats.CheckErrors++
		}
	}
}

func (a *Aggregator) recordRecognition(e RecognitionEvent) {
	a.stats.TotalRecognitions++
	if e.CacheHit {
		a.stats.CacheHits++
	} else {
		a.stats.CacheMisses++
	}
	if e.Matched {
		a.stats.Matches++
		a.scoreSum += e.Score
		a.symbolCounts[symbolKey{e.Alphabet, e.Symbol}]++
	} else {
		a.stats.NoMatches++
	}
	if len(a.latencies) < maxLatencies {
		a.latencies = append(a.latencies, e.LatencyMs)
	} else {
		a.latencies[a.latencyNext] = e.LatencyMs
		a.latencyNext = (a.latencyNext + 1) % maxLatencies
	}
}

// Stats returns a snapshot.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	if stats.Matches > 0 {
		stats.AvgMatchScore = a.scoreSum / float64(stats.Matches)
	}
	stats.TopSymbols = topN(a.symbolCounts, 10)
	elapsed := a.now().Sub(a.startTime).Minutes()
	if elapsed > 0 {
		stats.RecognitionsPerMin = float64(stats.TotalRecognitions) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[symbolKey]int64, n int) []SymbolCount {
	result := make([]SymbolCount, 0, len(counts))
	for k, count := range counts {
		result = append(result, SymbolCount{Alphabet: k.alphabet, Symbol: k.symbol, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		if result[i].Alphabet != result[j].Alphabet {
			return result[i].Alphabet < result[j].Alphabet
		}
		return result[i].Symbol < result[j].Symbol
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
