// Package events publishes recognizer activity to Kafka, aggregates it back
// into live statistics, and consumes asynchronous training requests.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventRecognize EventType = "recognize"
	EventTrain     EventType = "train"
	EventCheck     EventType = "check"
)

// Source names the boundary a request came through.
const (
	SourceHTTP = "http"
	SourceRPC  = "rpc"
)

// RecognitionEvent records one recognize or recognize_top call.
type RecognitionEvent struct {
	Type      EventType `json:"type"`
	Alphabet  string    `json:"alphabet"`
	Symbol    string    `json:"symbol,omitempty"`
	Score     float64   `json:"score"`
	Matched   bool      `json:"matched"`
	Points    int       `json:"points"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// TrainEvent records one symbol model training.
type TrainEvent struct {
	Type       EventType `json:"type"`
	Alphabet   string    `json:"alphabet"`
	Symbol     string    `json:"symbol"`
	NGauss     int       `json:"n_gauss"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// CheckEvent records one alphabet consistency check.
type CheckEvent struct {
	Type      EventType `json:"type"`
	Alphabet  string    `json:"alphabet"`
	Errors    int       `json:"errors"`
	Warnings  int       `json:"warnings"`
	Timestamp time.Time `json:"timestamp"`
}

// TrainRequest asks the service to train one symbol, or every symbol of an
// alphabet when Symbol is empty.
type TrainRequest struct {
	Alphabet  string `json:"alphabet"`
	Symbol    string `json:"symbol,omitempty"`
	All       bool   `json:"all,omitempty"`
	NGauss    int    `json:"n_gauss,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Validate reports a request that cannot be served.
func (r TrainRequest) Validate() error {
	if r.Alphabet == "" {
		return fmt.Errorf("train request without alphabet")
	}
	if r.NGauss < 0 {
		return fmt.Errorf("train request with negative n_gauss %d", r.NGauss)
	}
	return nil
}

// keyed is implemented by events that pick their own partition key.
type keyed interface {
	partitionKey() string
}

func (e RecognitionEvent) partitionKey() string { return e.Alphabet }
func (e TrainEvent) partitionKey() string       { return e.Alphabet }
func (e CheckEvent) partitionKey() string       { return e.Alphabet }

// decode picks the concrete event type from the "type" field.
func decode(value []byte) (any, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return nil, fmt.Errorf("decoding event header: %w", err)
	}
	var (
		event any
		err   error
	)
	switch head.Type {
	case EventRecognize:
		var e RecognitionEvent
		err = json.Unmarshal(value, &e)
		event = e
	case EventTrain:
		var e TrainEvent
		err = json.Unmarshal(value, &e)
		event = e
	case EventCheck:
		var e CheckEvent
		err = json.Unmarshal(value, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", head.Type, err)
	}
	return event, nil
}
