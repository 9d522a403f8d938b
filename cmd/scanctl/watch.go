package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/compliscan/compliscan/internal/domain/events"
	"github.com/compliscan/compliscan/internal/domain/scanning"
)

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Stream progress for a scan task",
	Long: `Watch follows the lifecycle and progress topics and prints events for one
task until it reaches a terminal state or the command is interrupted.

By default only events published after the watch begins are shown. Pass
--from-start to replay the task's retained history first; that is also the
way to see the outcome of a task that already finished.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var watchFromStart bool

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchFromStart, "from-start", false, "replay retained history before following")
}

func runWatch(cmd *cobra.Command, args []string) error {
	taskID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", args[0], err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Every watcher gets its own consumer group so multiple watchers each see
	// the full stream instead of splitting partitions.
	groupID := fmt.Sprintf("scanctl-watch-%s", uuid.NewString())
	bus, err := connectBus(groupID, !watchFromStart)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	defer func() { _ = bus.Close() }()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	printer := &eventPrinter{w: os.Stdout, taskID: taskID}
	handler := func(ctx context.Context, envelope events.EventEnvelope, ack events.AckFunc) error {
		defer ack(nil)
		if printer.print(envelope.Payload) {
			finish()
		}
		return nil
	}

	err = bus.Subscribe(ctx, []events.EventType{
		scanning.EventTypeTaskStarted,
		scanning.EventTypeTaskStageAdvanced,
		scanning.EventTypeTaskProgressed,
		scanning.EventTypeTaskCompleted,
		scanning.EventTypeTaskFailed,
		scanning.EventTypeTaskCancelled,
	}, handler)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	fmt.Printf("Watching task %s (Ctrl-C to stop)\n", bold(taskID.String()))

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}

// eventPrinter renders events for a single task and reports when a terminal
// event arrives. Events for other tasks are dropped silently.
type eventPrinter struct {
	w      io.Writer
	taskID uuid.UUID
}

func (p *eventPrinter) print(payload any) (terminal bool) {
	switch evt := payload.(type) {
	case scanning.TaskStartedEvent:
		if evt.TaskID != p.taskID {
			return false
		}
		fmt.Fprintf(p.w, "[%s] scanning %s\n", cyan("STARTED"), evt.TargetDomain)

	case scanning.TaskStageAdvancedEvent:
		if evt.TaskID != p.taskID {
			return false
		}
		fmt.Fprintf(p.w, "[%s] entering %s\n", blue("STAGE"), evt.Stage)

	case scanning.TaskProgressedEvent:
		if evt.Event.TaskID != p.taskID {
			return false
		}
		p.printProgress(evt.Event)

	case scanning.TaskCompletedEvent:
		if evt.TaskID != p.taskID {
			return false
		}
		c := evt.Counters
		fmt.Fprintf(p.w, "[%s] %d subdomains, %d pages, %d third-party domains, %d violations\n",
			green("COMPLETED"), c.Subdomains, c.PagesCrawled, c.ThirdPartyDomains, c.Violations)
		return true

	case scanning.TaskFailedEvent:
		if evt.TaskID != p.taskID {
			return false
		}
		fmt.Fprintf(p.w, "[%s] stage=%s kind=%s: %s\n",
			red("FAILED"), evt.Failure.Stage, evt.Failure.Kind, evt.Failure.Message)
		return true

	case scanning.TaskCancelledEvent:
		if evt.TaskID != p.taskID {
			return false
		}
		fmt.Fprintf(p.w, "[%s] reason=%s\n", yellow("CANCELLED"), evt.Reason)
		return true
	}
	return false
}

func (p *eventPrinter) printProgress(pe scanning.ProgressEvent) {
	ts := pe.Timestamp.Local().Format("15:04:05")

	if pe.Gap {
		fmt.Fprintf(p.w, "%s %s %s\n", gray(ts), yellow("[ gap]"), pe.Message)
		return
	}

	var level string
	switch pe.Severity {
	case scanning.SeverityError:
		level = red("[error]")
	case scanning.SeverityWarn:
		level = yellow("[warn ]")
	default:
		level = gray("[info ]")
	}

	prefix := ""
	if pe.Stage != "" {
		prefix = fmt.Sprintf("%s: ", pe.Stage)
	}
	fmt.Fprintf(p.w, "%s %s %3d%% %s%s\n", gray(ts), level, pe.Percent, prefix, pe.Message)
}
