package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingsync/internal/app"
	"github.com/dmitrymomot/billingsync/pkg/billing"
)

type syncFlags struct {
	window billing.SyncWindow
	users  []string
}

func newSyncCmd() *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh local subscriptions from the provider",
		Long: `Refresh local subscriptions from the provider.

Without flags every non-terminal subscription is refreshed. Period filters select on
the current period end relative to now; --day-start/--day-end take precedence over
--days-left, which takes precedence over --days-ago.`,
		Example: `  billingsync sync --days-left 3
  billingsync sync --days-ago 7 --include-terminal
  billingsync sync --user 6f1c... --user 0b2d...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := f.build()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.SyncWindow(cmd.Context(), w)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.window.DaysLeft, "days-left", 0, "periods ending within the next N days")
	fl.IntVar(&f.window.DaysAgo, "days-ago", 0, "periods that ended within the last N days")
	fl.IntVar(&f.window.DayStart, "day-start", 0, "start of a period-end window, in days from now")
	fl.IntVar(&f.window.DayEnd, "day-end", 0, "end of a period-end window, in days from now")
	fl.DurationVar(&f.window.StaleAfter, "stale-after", 0, "only rows not refreshed for this long")
	fl.StringSliceVar(&f.users, "user", nil, "limit to these user IDs")
	fl.IntVar(&f.window.Limit, "limit", 0, "maximum subscriptions to visit")
	fl.BoolVar(&f.window.IncludeTerminal, "include-terminal", false, "also refresh canceled and expired subscriptions")
	return cmd
}

func (f syncFlags) build() (billing.SyncWindow, error) {
	w := f.window
	if w.DaysLeft < 0 || w.DaysAgo < 0 || w.Limit < 0 || w.StaleAfter < 0 {
		return w, fmt.Errorf("sync: negative values are not allowed")
	}
	if w.DayStart > w.DayEnd {
		return w, fmt.Errorf("sync: --day-start must not be after --day-end")
	}
	for _, s := range f.users {
		id, err := uuid.Parse(s)
		if err != nil {
			return w, fmt.Errorf("sync: invalid user id %q: %w", s, err)
		}
		w.UserIDs = append(w.UserIDs, id)
	}
	return w, nil
}
