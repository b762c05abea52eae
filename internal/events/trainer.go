package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/texnomagic/texnomagic/pkg/kafka"
	"github.com/texnomagic/texnomagic/pkg/resilience"
)

// TrainFunc serves one training request.
type TrainFunc func(ctx context.Context, req TrainRequest) error

// TrainRequestHandler returns a Kafka message handler that decodes
// TrainRequest messages and passes them to train. Malformed requests are
// committed and dropped; failed trainings are left for redelivery only when
// the error is not a permanent one, as decided by retryable. The handler
// waits at most limit for train and then commits the request; train must be
// safe to keep running after that.
func TrainRequestHandler(train TrainFunc, retryable func(error) bool, limit time.Duration) kafka.MessageHandler {
	logger := slog.Default().With("component", "train-requests")
	return func(ctx context.Context, key []byte, value []byte) error {
		req, err := kafka.DecodeJSON[TrainRequest](value)
		if err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			logger.Warn("invalid train request", "error", err)
			return nil
		}
		log := logger.With("alphabet", req.Alphabet, "symbol", req.Symbol, "request_id", req.RequestID)
		err = resilience.WithTimeout(ctx, limit, "train request", func(ctx context.Context) error {
			return train(ctx, req)
		})
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn("train request timed out", "limit", limit)
			return nil
		}
		if err != nil {
			if retryable != nil && retryable(err) {
				return err
			}
			log.Warn("train request failed", "error", err)
			return nil
		}
		log.Info("train request served")
		return nil
	}
}
