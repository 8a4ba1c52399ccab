package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// =============================================================================
// LOCK AND MAINTENANCE COMMANDS
// =============================================================================

var (
	reapStaleAfter time.Duration
	reapSession    string
	cleanYes       bool
)

// locksCmd lists sessions and the locks they hold
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List sessions and object locks",
	Args:  cobra.NoArgs,
	RunE:  runLocks,
}

// reapCmd releases locks of dead sessions
var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release locks held by sessions that stopped heartbeating",
	Long: `Releases every lock held by a session whose last heartbeat is older
than --stale-after. With --session a single session is released
regardless of its heartbeat; only do this when that process is known
to be gone.`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

// cleanCmd wipes the repository
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every object from the repository",
	Long: `Irreversibly removes every stored document and index entry. The
repository lock is taken for the duration, so this fails while any other
session holds it. IDs are never reused afterwards.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	reapCmd.Flags().DurationVar(&reapStaleAfter, "stale-after", 0, "Heartbeat age after which a session is dead (default: config)")
	reapCmd.Flags().StringVar(&reapSession, "session", "", "Release one session explicitly")
	cleanCmd.Flags().BoolVar(&cleanYes, "yes", false, "Confirm the wipe")
}

func runLocks(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)
	ctx := contextOf(cmd)

	sessions, err := s.Repository.Sessions(ctx)
	if err != nil {
		return err
	}
	locks, err := s.Repository.Locks(ctx)
	if err != nil {
		return err
	}

	perSession := make(map[string]int)
	for _, holder := range locks {
		perSession[holder]++
	}

	self := s.Repository.Session().ID
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tHOST\tPID\tSTARTED\tHEARTBEAT\tLOCKS")
	for _, info := range sessions {
		id := info.ID
		if id == self {
			id += " (this)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			id, info.Host, info.PID,
			humanize.Time(info.Started), humanize.Time(info.Heartbeat), perSession[info.ID])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(locks) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(locks))
	for id := range locks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Fprintln(cmd.OutOrStdout())
	w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOLDER")
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%s\n", id, locks[id])
	}
	return w.Flush()
}

func runReap(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)
	ctx := contextOf(cmd)

	if reapSession != "" {
		n, err := s.Repository.ReapSession(ctx, reapSession)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %d locks of %s\n", n, reapSession)
		return nil
	}

	staleAfter := reapStaleAfter
	if staleAfter == 0 {
		staleAfter = cfg.Repository.StaleSessionAfter.Duration()
	}
	reaped, err := s.Repository.ReapLocks(ctx, staleAfter)
	if err != nil {
		return err
	}
	if len(reaped) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no session silent for more than %s\n", staleAfter)
		return nil
	}
	for _, id := range reaped {
		fmt.Fprintf(cmd.OutOrStdout(), "reaped %s\n", id)
	}
	return nil
}

func runClean(cmd *cobra.Command, args []string) (err error) {
	if !cleanYes {
		return fmt.Errorf("refusing to clean %s without --yes", cfg.Repository.Path)
	}
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)
	ctx := contextOf(cmd)

	if err := s.Repository.LockRepository(ctx); err != nil {
		return err
	}
	defer s.Repository.UnlockRepository(ctx)

	if err := s.Repository.Clean(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", cfg.Repository.Path)
	return nil
}
