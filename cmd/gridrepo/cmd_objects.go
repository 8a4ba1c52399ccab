package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"gridrepo/internal/codec"
	"gridrepo/internal/registry"
	"gridrepo/internal/repository"
	"gridrepo/internal/streamer"
)

// =============================================================================
// OBJECT COMMANDS
// =============================================================================

var (
	lsAll    bool
	lsLoad   bool
	showBack bool
	showFmt  string
)

// lsCmd lists objects from the index
var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List objects in the repository",
	Long: `Lists top-level objects from the index without loading them.

With --load every listed object is decoded; objects that cannot be read
are shown as INCOMPLETE together with the reason.`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

// showCmd prints a stored document
var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the stored document of an object",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

// rmCmd deletes objects
var rmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete objects and their children",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

// reindexCmd rebuilds index entries
var reindexCmd = &cobra.Command{
	Use:   "reindex [id...]",
	Short: "Regenerate index entries from stored documents",
	RunE:  runReindex,
}

func init() {
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include child objects")
	lsCmd.Flags().BoolVar(&lsLoad, "load", false, "Decode every object and report unreadable ones")
	showCmd.Flags().BoolVar(&showBack, "backup", false, "Show the previous version instead")
	showCmd.Flags().StringVarP(&showFmt, "format", "f", "", "Output format: json, yaml or msgpack (default: stored format)")
}

func attr(e repository.IndexEntry, name string) string {
	v, ok := e.Attrs[name]
	if !ok || v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}

func runLs(cmd *cobra.Command, args []string) (err error) {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)
	ctx := contextOf(cmd)

	recs := s.Repository.IndexRecords()
	if !lsAll {
		top := make(map[int64]bool)
		for _, id := range s.Registry.IDs() {
			top[id] = true
		}
		kept := recs[:0]
		for _, rec := range recs {
			if top[rec.ID] {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}

	problems := make(map[int64]string)
	if lsLoad {
		for _, rec := range recs {
			obj, lerr := s.Registry.Get(ctx, rec.ID)
			if lerr != nil || streamer.IsIncomplete(obj) {
				problems[rec.ID] = fmt.Sprint(lerr)
			}
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMASTER\tSTATUS\tNAME\tAPPLICATION\tBACKEND\tUPDATED")
	for _, rec := range recs {
		e := rec.Entry
		status := attr(e, "status")
		if _, bad := problems[rec.ID]; bad {
			status = "INCOMPLETE"
		}
		master := attr(e, registry.MasterAttr)
		if master == fmt.Sprint(registry.NoMaster) {
			master = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, master, status, attr(e, "name"),
			attr(e, "application"), attr(e, "backend"), humanize.Time(rec.Updated))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(problems) > 0 {
		ids := make([]int64, 0, len(problems))
		for id := range problems {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fmt.Fprintln(cmd.OutOrStdout())
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", id, problems[id])
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s objects\n", humanize.Comma(int64(len(recs))))
	return nil
}

func runShow(cmd *cobra.Command, args []string) (err error) {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)

	doc, blob, err := s.Repository.Inspect(contextOf(cmd), ids[0], showBack)
	if doc == nil && blob.Data != nil {
		// Undecodable: show the raw bytes so the operator can judge them
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		cmd.OutOrStdout().Write(blob.Data)
		return nil
	}
	if err != nil {
		return err
	}

	format := blob.Format
	if showFmt != "" {
		format = codec.Format(showFmt)
	}
	c, err := codec.New(format)
	if err != nil {
		return err
	}
	out, err := codec.Marshal(c, doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	cmd.OutOrStdout().Write(out)
	if !strings.HasSuffix(string(out), "\n") && format != codec.FormatMsgpack {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s v%d.%d, stored as %s (%s)\n",
		doc.Category, doc.Name, doc.Version.Major, doc.Version.Minor,
		blob.Format, humanize.Bytes(uint64(len(blob.Data))))
	return nil
}

func runRm(cmd *cobra.Command, args []string) (err error) {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)

	if err := s.Registry.Delete(contextOf(cmd), ids...); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d objects\n", len(ids))
	return nil
}

func runReindex(cmd *cobra.Command, args []string) (err error) {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer closeSession(cmd, s, &err)

	werr := s.Repository.IndexWrite(contextOf(cmd), ids...)
	for _, e := range repository.Errors(werr) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", e)
	}
	if errors.Is(werr, repository.ErrRepositoryFailed) {
		return werr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d objects\n", len(s.Repository.IndexRecords()))
	return nil
}
