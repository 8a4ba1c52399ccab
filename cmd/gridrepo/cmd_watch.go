package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gridrepo/internal/config"
	"gridrepo/internal/events"
)

var watchInterval time.Duration

// watchCmd prints change events until interrupted
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print repository changes made by other sessions",
	Long: `Follows the repository and prints an event whenever objects are
added, changed or removed. Local repositories are followed through
filesystem notifications; sqlite repositories are polled every
--interval.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Poll interval when notifications are unavailable")
}

func formatEvent(ev events.Event) string {
	ids := make([]string, len(ev.IDs))
	for i, id := range ev.IDs {
		ids[i] = fmt.Sprint(id)
	}
	line := fmt.Sprintf("%s  %-18s %s", ev.Time.Format(time.TimeOnly), ev.Type, strings.Join(ids, ","))
	if ev.Error != "" {
		line += "  " + ev.Error
	}
	return strings.TrimRight(line, " ")
}

func runWatch(cmd *cobra.Command, args []string) (err error) {
	notify := cfg.Repository.Type == config.BackendLocal
	cfg.Watch.Enabled = notify

	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)
	ctx := contextOf(cmd)

	ch := make(chan events.Event, 64)
	s.Events.Subscribe(ch)
	defer s.Events.Unsubscribe(ch)

	var tick <-chan time.Time
	if !notify {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (%d objects)\n", cfg.Repository.Path, s.Registry.Len())
	for {
		select {
		case ev := <-ch:
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
			if ev.Type == events.EventRepositoryFailed {
				return fmt.Errorf("repository failed: %s", ev.Error)
			}
		case <-tick:
			if _, err := s.Registry.Refresh(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
