package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/warp/fieldcash/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and flush the offline queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show pending, failed and frozen items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.rt.Queue.List(cmd.Context())
			if err != nil {
				return err
			}
			if items == nil {
				items = []queue.Item{}
			}
			zone, _ := s.rt.Today()

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Emit(items, func(w io.Writer) error {
				return RenderQueue(w, items, zone.Location)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Apply one batch now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if _, err := s.rt.Queue.RecoverProcessing(ctx); err != nil {
				return err
			}
			res, err := s.rt.Engine.ProcessBatch(ctx, s.cfg.Sync.BatchSize)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Emit(res, func(w io.Writer) error {
				return RenderBatch(w, res)
			})
		},
	})

	return cmd
}
