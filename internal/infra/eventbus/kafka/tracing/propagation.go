// Package tracing carries trace context across the Kafka hop. Task ids ride
// in the message key; trace context rides in record headers.
package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headerCarrier adapts Kafka record headers to the TextMapCarrier shape the
// propagator reads and writes.
type headerCarrier struct{ headers []sarama.RecordHeader }

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	for i := range c.headers {
		if string(c.headers[i].Key) == key {
			return string(c.headers[i].Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	c.headers = append(c.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for i := range c.headers {
		keys = append(keys, string(c.headers[i].Key))
	}
	return keys
}

// InjectTraceContext writes the current trace context into the outgoing
// message's headers so consumers join the producer's trace.
func InjectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := headerCarrier{headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = carrier.headers
}

// ExtractTraceContext returns ctx extended with any trace context found in
// the consumed message's headers.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := headerCarrier{headers: make([]sarama.RecordHeader, 0, len(msg.Headers))}
	for _, h := range msg.Headers {
		if h != nil {
			carrier.headers = append(carrier.headers, *h)
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}
