package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/warp/fieldcash/cash"
)

// NewRolloverCommand creates the rollover command.
func NewRolloverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Close missing days and open today for the session owner",
		Long: `Close every unclosed day with activity since the last close, oldest
first, then make sure today has an opening entry. Safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.rt.Rollover(cmd.Context())
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Emit(summary, func(w io.Writer) error {
				return RenderRollover(w, summary)
			})
		},
	}
}

// kpiReport is the JSON form of the kpis command.
type kpiReport struct {
	cash.DayKPIs
	OpeningSource cash.OpeningSource `json:"opening_source,omitempty"`
	Closing       string             `json:"closing"`
}

// NewKPIsCommand creates the kpis command.
func NewKPIsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		date  string
		owner string
	)

	cmd := &cobra.Command{
		Use:   "kpis",
		Short: "Print the day report for an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, true)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			day := cash.Date(date)
			if date == "" {
				_, day = s.rt.Today()
			} else if day, err = cash.ParseDate(date); err != nil {
				return err
			}
			who := cash.OwnerID(owner)
			if who == "" {
				who = s.rt.Session.OwnerID
			}

			k, err := s.rt.Aggregator.KPIsForDay(ctx, who, day)
			if err != nil {
				return err
			}
			var opening cash.Opening
			if !k.HasOpening {
				if opening, err = s.rt.Reconciler.OpeningBase(ctx, who, day); err != nil {
					return err
				}
				k.Opening = opening.Amount
			}

			report := kpiReport{DayKPIs: k, OpeningSource: opening.Source, Closing: k.ClosingBalance().StringFixed(2)}
			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Emit(report, func(w io.Writer) error {
				return RenderDayReport(w, k, opening)
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "operational date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (default session owner)")
	return cmd
}
