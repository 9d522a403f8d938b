package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

const (
	connectInitialInterval = 5 * time.Second
	connectMaxElapsed      = 5 * time.Minute
)

// ConnectWithRetry dials the brokers with exponential backoff so services
// survive a cluster that comes up after they do. Attempts continue for up to
// five minutes before the error surfaces. Tools that should fail fast call
// NewEventBusFromConfig directly.
func ConnectWithRetry(cfg *Config, log *logger.Logger, metrics EventBusMetrics, tracer trace.Tracer) (events.EventBus, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = connectInitialInterval
	policy.MaxElapsedTime = connectMaxElapsed

	var bus events.EventBus
	err := backoff.Retry(func() error {
		var err error
		if bus, err = NewEventBusFromConfig(cfg, log, metrics, tracer); err != nil {
			log.Warn(context.Background(), "Kafka connect failed; retrying", "error", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return bus, nil
}
