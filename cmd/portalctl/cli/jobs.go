package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/ledgerline/portal/jobs"
)

// JobsCLI wraps manual management helpers for the background queues.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI connects to the queue broker at redisAddr.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opt), inspector: asynq.NewInspector(opt)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		err = c.inspector.Close()
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a periodic job by task name outside its schedule.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := triggerTask(name)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault))
}

func triggerTask(name string) (*asynq.Task, error) {
	switch name {
	case jobs.TaskExportDispatch, "export-dispatch":
		return jobs.NewExportDispatchTask(), nil
	case jobs.TaskIdempotencyCleanup, "idempotency-cleanup":
		return jobs.NewIdempotencyCleanupTask(), nil
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueues reports the critical and default queues.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, queue := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		stats := QueueStats{Queue: queue}
		info, err := c.inspector.GetQueueInfo(queue)
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return nil, err
		default:
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
		}
		out = append(out, stats)
	}
	return out, nil
}

func newJobsCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:       "trigger export-dispatch|idempotency-cleanup",
			Short:     "Enqueue a periodic job now",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"export-dispatch", "idempotency-cleanup"},
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := triggerTask(args[0]); err != nil {
					return err
				}
				jc := NewJobsCLI(a.Config.RedisAddr)
				defer jc.Close()
				info, err := jc.Trigger(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(a.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show queue depth",
			RunE: func(cmd *cobra.Command, args []string) error {
				jc := NewJobsCLI(a.Config.RedisAddr)
				defer jc.Close()
				stats, err := jc.InspectQueues()
				if err != nil {
					return err
				}
				return a.printJSON(stats)
			},
		},
	)
	return cmd
}
