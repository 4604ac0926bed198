package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	_ "github.com/embeddedsocial/pipeline/queue/memory"
	_ "github.com/embeddedsocial/pipeline/queue/postgres"
	_ "github.com/embeddedsocial/pipeline/queue/pubsub"
	_ "github.com/embeddedsocial/pipeline/queue/redis"
	"github.com/embeddedsocial/pipeline/version"
)

const defaultPageSize = 20

type adminFlags struct {
	configFile string
	urls       map[string]string
}

// messageView is the printed form of a queued message.
type messageView struct {
	ID               string            `json:"id"`
	Sequence         int64             `json:"sequence"`
	Kind             string            `json:"kind"`
	DequeueCount     int               `json:"dequeue_count"`
	EnqueuedTime     time.Time         `json:"enqueued_time"`
	DeadLetterReason string            `json:"dead_letter_reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Payload          messages.Payload  `json:"payload,omitempty"`
}

func newRootCommand() *cobra.Command {
	flags := &adminFlags{}

	root := &cobra.Command{
		Use:           "queueadmin",
		Short:         "Inspect pipeline queues and their dead letters",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML configuration file, environment when empty")
	root.PersistentFlags().StringToStringVar(&flags.urls, "queue-url", nil, "queue=url overrides")

	dlq := &cobra.Command{Use: "dlq", Short: "Dead-letter operations"}
	dlq.AddCommand(
		newDeadLetterPeekCommand(flags),
		newDeadLetterDrainCommand(flags),
		newDeadLetterDeleteCommand(flags),
	)

	root.AddCommand(newListCommand(flags), newPeekCommand(flags), dlq)
	return root
}

func (f *adminFlags) config() (*config.ConfigurationDefault, error) {
	var (
		cfg config.ConfigurationDefault
		err error
	)
	if f.configFile != "" {
		cfg, err = config.FromFile[config.ConfigurationDefault](f.configFile)
	} else {
		cfg, err = config.FromEnv[config.ConfigurationDefault]()
	}
	if err != nil {
		return nil, err
	}

	if len(f.urls) > 0 && cfg.QueueURLs == nil {
		cfg.QueueURLs = map[string]string{}
	}
	for name, u := range f.urls {
		cfg.QueueURLs[name] = u
	}
	return &cfg, nil
}

// open registers the named queues, or every pipeline queue when none are
// named, and returns the manager holding them.
func (f *adminFlags) open(ctx context.Context, names ...string) (*queue.Manager, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		names = messages.QueueNames()
	}

	qm := queue.NewManager(ctx, queue.OptionsFromConfig(cfg)...)
	for _, name := range names {
		if err = qm.AddQueue(ctx, name, cfg.QueueURL(name)); err != nil {
			_ = qm.Close(ctx)
			return nil, err
		}
	}
	return qm, nil
}

func (f *adminFlags) withQueue(ctx context.Context, name string, fn func(*queue.Queue) error) error {
	qm, err := f.open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = qm.Close(ctx) }()

	q, err := qm.GetQueue(name)
	if err != nil {
		return err
	}
	return fn(q)
}

func newListCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [queue...]",
		Short: "Show active and dead-letter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			qm, err := flags.open(cmd.Context(), args...)
			if err != nil {
				return err
			}
			defer func() { _ = qm.Close(cmd.Context()) }()

			return printInfos(cmd.OutOrStdout(), qm.Inspect(cmd.Context()))
		},
	}
}

func newPeekCommand(flags *adminFlags) *cobra.Command {
	var from int64
	var count int

	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Show active messages without locking them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withQueue(cmd.Context(), args[0], func(q *queue.Queue) error {
				msgs, err := q.Transport().PeekBatch(cmd.Context(), from, count)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), msgs)
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence number")
	cmd.Flags().IntVar(&count, "count", defaultPageSize, "maximum messages")
	return cmd
}

func newDeadLetterPeekCommand(flags *adminFlags) *cobra.Command {
	var from int64
	var count int

	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Show dead-lettered messages without removing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withQueue(cmd.Context(), args[0], func(q *queue.Queue) error {
				msgs, err := q.Transport().PeekDeadLetterBatch(cmd.Context(), from, count)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), msgs)
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence number")
	cmd.Flags().IntVar(&count, "count", defaultPageSize, "maximum messages")
	return cmd
}

func newDeadLetterDrainCommand(flags *adminFlags) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "drain <queue>",
		Short: "Remove dead-lettered messages and print them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withQueue(cmd.Context(), args[0], func(q *queue.Queue) error {
				msgs, err := q.Transport().ReceiveDeadLetterBatch(cmd.Context(), count)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), msgs)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", defaultPageSize, "maximum messages")
	return cmd
}

func newDeadLetterDeleteCommand(flags *adminFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <queue> <sequence>",
		Short: "Delete one dead-lettered message",
		Args:  cobra.ExactArgs(2), //nolint:mnd // queue and sequence
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence number %q: %w", args[1], err)
			}

			return flags.withQueue(cmd.Context(), args[0], func(q *queue.Queue) error {
				if err := q.Transport().DeleteDeadLetter(cmd.Context(), seq); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted", seq)
				return nil
			})
		},
	}
}

func printInfos(w io.Writer, infos []queue.QueueInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd // column padding
	_, _ = fmt.Fprintln(tw, "QUEUE\tACTIVE\tDEAD LETTER\tURL\tERROR")
	for _, info := range infos {
		errText := ""
		if info.Err != nil {
			errText = info.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			info.Name, info.ActiveCount, info.DeadLetterCount, info.URL, errText)
	}
	return tw.Flush()
}

func printMessages(w io.Writer, msgs []*queue.Message) error {
	enc := json.NewEncoder(w)
	for _, msg := range msgs {
		view := messageView{
			ID:               msg.ID,
			Sequence:         msg.SequenceNumber,
			Kind:             msg.Kind().String(),
			DequeueCount:     msg.DequeueCount,
			EnqueuedTime:     msg.EnqueuedTime,
			DeadLetterReason: msg.DeadLetterReason,
			Metadata:         msg.Metadata,
			Payload:          msg.Payload,
		}
		if err := enc.Encode(view); err != nil {
			return err
		}
	}
	return nil
}
