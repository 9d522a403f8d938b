// scanctl is the operator CLI: it submits scan tasks to the worker fleet and
// tails their progress, both over Kafka.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/compliscan/compliscan/internal/config"
	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/infra/eventbus/kafka"
	"github.com/compliscan/compliscan/pkg/common/logger"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var (
	brokers        []string
	taskTopic      string
	lifecycleTopic string
	progressTopic  string
)

var rootCmd = &cobra.Command{
	Use:   "scanctl",
	Short: "Submit and observe domain compliance scans",
	Long: `scanctl talks directly to the scan platform's Kafka topics. It submits
scan tasks for worker pickup and streams lifecycle and progress events back
to the terminal.`,
	SilenceUsage: true,
}

func main() {
	_, _ = maxprocs.Set()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default().Kafka
	rootCmd.PersistentFlags().StringSliceVar(&brokers, "brokers", defaults.Brokers, "Kafka broker addresses")
	rootCmd.PersistentFlags().StringVar(&taskTopic, "task-topic", defaults.TaskTopic, "topic for scan submissions")
	rootCmd.PersistentFlags().StringVar(&lifecycleTopic, "lifecycle-topic", defaults.LifecycleTopic, "topic for task lifecycle events")
	rootCmd.PersistentFlags().StringVar(&progressTopic, "progress-topic", defaults.ProgressTopic, "topic for task progress events")
}

// noopBusMetrics satisfies the event bus metrics contract without an otel
// pipeline. The CLI is short-lived; counters would never be scraped.
type noopBusMetrics struct{}

func (noopBusMetrics) IncMessagePublished(context.Context, string) {}
func (noopBusMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopBusMetrics) IncPublishError(context.Context, string)     {}
func (noopBusMetrics) IncConsumeError(context.Context, string)     {}

// connectBus opens a Kafka event bus for one command invocation. Unlike the
// worker there is no retry loop; a CLI should fail fast when brokers are
// unreachable.
func connectBus(groupID string, fromLatest bool) (events.EventBus, error) {
	return kafka.NewEventBusFromConfig(&kafka.Config{
		Brokers:        brokers,
		TaskTopic:      taskTopic,
		LifecycleTopic: lifecycleTopic,
		ProgressTopic:  progressTopic,
		GroupID:        groupID,
		ClientID:       fmt.Sprintf("scanctl-%d", os.Getpid()),
		ServiceType:    "scanctl",
		FromLatest:     fromLatest,
	}, logger.Noop(), noopBusMetrics{}, noop.NewTracerProvider().Tracer("scanctl"))
}
