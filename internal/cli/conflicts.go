package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sdejongh/vcsreconcile/pkg/config"
	"github.com/sdejongh/vcsreconcile/pkg/conflicts"
	"github.com/sdejongh/vcsreconcile/pkg/merge"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/output"
	"github.com/spf13/cobra"
)

// ResolveFlags holds conflicts resolve flags
type ResolveFlags struct {
	TakeTheirs  bool
	KeepYours   bool
	Interactive bool
	Name        string
}

var resolveFlags ResolveFlags

// NewConflictsCommand creates the conflicts command
func NewConflictsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve conflicts",
		Long:  `Inspect the conflicts between your pending changes and the server, and resolve them.`,
	}

	cmd.AddCommand(newConflictsListCommand())
	cmd.AddCommand(newConflictsResolveCommand())

	return cmd
}

func newConflictsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [paths...]",
		Short: "List unresolved conflicts",
		RunE:  runConflictsList,
	}
}

func newConflictsResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [paths...]",
		Short: "Resolve conflicts",
		Long: `Resolve the conflicts under the given paths, or the whole workspace.
Without --take-theirs or --keep-yours every conflict is merged: names according to
resolve.name_choice and content with an automatic three-way merge. --interactive
asks for every decision instead.`,
		RunE: runConflictsResolve,
	}

	cmd.Flags().BoolVar(&resolveFlags.TakeTheirs, "take-theirs", false, "discard your changes and take the server version")
	cmd.Flags().BoolVar(&resolveFlags.KeepYours, "keep-yours", false, "keep your changes as they are")
	cmd.Flags().BoolVarP(&resolveFlags.Interactive, "interactive", "i", false, "prompt for names, content and local conflicts")
	cmd.Flags().StringVar(&resolveFlags.Name, "name", "", "server path for every renamed item")
	cmd.MarkFlagsMutuallyExclusive("take-theirs", "keep-yours", "interactive")

	return cmd
}

// conflictEntry is one line of the conflicts list
type conflictEntry struct {
	Path         string `json:"path"`
	Kind         string `json:"kind"`
	YourChanges  string `json:"your_changes"`
	TheirVersion int    `json:"their_version"`
	TheirPath    string `json:"their_path,omitempty"`
}

// localConflictEntry is a local item a get refused to overwrite
type localConflictEntry struct {
	Path          string `json:"path"`
	ServerVersion int    `json:"server_version"`
	Reason        string `json:"reason"`
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	paths, err := absPaths(args)
	if err != nil {
		return err
	}

	s, err := openSession("conflicts")
	if err != nil {
		return err
	}
	defer s.close()

	resolver := conflicts.NewResolver(s.server, s.backend, s.executor, conflicts.Options{LocalPath: s.server.LocalPath}, s.logger)
	if err := resolver.Load(ctx, paths...); err != nil {
		return err
	}
	locals, err := s.server.LocalConflicts(ctx)
	if err != nil {
		return err
	}

	entries := make([]conflictEntry, 0, len(resolver.Conflicts()))
	for _, c := range resolver.Conflicts() {
		entry := conflictEntry{
			Path:         c.LocalPath,
			Kind:         string(c.Kind),
			YourChanges:  c.YourChanges.String(),
			TheirVersion: c.TheirVersion,
		}
		if c.TheirServerPath != c.YourServerPath {
			entry.TheirPath = c.TheirServerPath
		}
		entries = append(entries, entry)
	}
	localEntries := make([]localConflictEntry, 0, len(locals))
	for _, lc := range locals {
		path := lc.TargetLocalPath
		if path == "" {
			path = lc.SourceLocalPath
		}
		localEntries = append(localEntries, localConflictEntry{Path: path, ServerVersion: lc.ServerVersion, Reason: string(lc.Reason)})
	}

	if s.cfg.Output.Format == "json" {
		encoder := json.NewEncoder(s.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			Conflicts      []conflictEntry      `json:"conflicts"`
			LocalConflicts []localConflictEntry `json:"local_conflicts"`
		}{entries, localEntries})
	}
	printConflicts(s.out, entries, localEntries)
	return nil
}

func printConflicts(w io.Writer, entries []conflictEntry, locals []localConflictEntry) {
	if len(entries) == 0 && len(locals) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}

	kind := color.New(color.FgHiYellow).SprintFunc()
	for _, e := range entries {
		fmt.Fprintf(w, "%-16s %s (%s, theirs at %d)\n", kind(e.Kind), e.Path, e.YourChanges, e.TheirVersion)
		if e.TheirPath != "" {
			fmt.Fprintf(w, "%-16s renamed on the server to %s\n", "", e.TheirPath)
		}
	}
	for _, lc := range locals {
		fmt.Fprintf(w, "%-16s %s (server version %d, %s)\n", kind("local"), lc.Path, lc.ServerVersion, lc.Reason)
	}
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	paths, err := absPaths(args)
	if err != nil {
		return err
	}

	s, err := openSession("resolve")
	if err != nil {
		return err
	}

	opts, err := s.resolverOptions()
	if err != nil {
		s.close()
		return err
	}
	resolver := conflicts.NewResolver(s.server, s.backend, s.executor, opts, s.logger)

	if err := resolver.Load(ctx, paths...); err != nil {
		s.report.Errors = append(s.report.Errors, err)
		return s.finish(0)
	}

	batch := resolveBatch(ctx, resolver, resolveFlags)
	s.report.Operations = len(batch.Outcomes)
	s.report.Conflicts = batch.Outcomes
	s.report.Files.Merge(batch.Files)
	s.report.Errors = append(s.report.Errors, batch.Errors...)
	return s.finish(batch.Count(models.OutcomeResolved))
}

// resolveBatch resolves the loaded conflicts the way flags ask. Conflicts left unresolved
// because a merge was cancelled or declined are recorded as skipped.
func resolveBatch(ctx context.Context, resolver *conflicts.Resolver, flags ResolveFlags) *conflicts.BatchResult {
	loaded := resolver.Conflicts()

	var batch *conflicts.BatchResult
	switch {
	case flags.TakeTheirs:
		batch = resolver.AcceptChanges(ctx, loaded, models.ResolutionTakeTheirs)
	case flags.KeepYours:
		batch = resolver.AcceptChanges(ctx, loaded, models.ResolutionKeepYours)
	default:
		batch = resolver.ResolveAll(ctx)
	}

	skipped := make(map[string]bool)
	for _, o := range batch.Outcomes {
		if o.Outcome == models.OutcomeSkipped {
			skipped[o.Path] = true
		}
	}
	var left []models.Conflict
	for _, c := range loaded {
		if skipped[c.LocalPath] {
			left = append(left, c)
		}
	}
	resolver.Skip(left)
	return batch
}

// resolverOptions picks prompting or fixed mergers from the flags and configuration
func (s *session) resolverOptions() (conflicts.Options, error) {
	opts := conflicts.Options{
		Guard:     s.guard,
		LocalPath: s.server.LocalPath,
		Progress: func(index, total int, c models.Conflict) {
			s.formatter.Progress(output.ProgressUpdate{Index: index, Total: total, Path: c.LocalPath, Step: "resolve"})
		},
	}

	if resolveFlags.Interactive && !s.interactive {
		return opts, errors.New("--interactive needs a terminal")
	}
	prompt := resolveFlags.Interactive || (s.interactive && s.cfg.Resolve.ContentMerger == config.ContentMergerPrompt)

	if resolveFlags.Interactive {
		opts.Names = promptNameMerger{}
	} else {
		choice, err := merge.ParseChoice(s.cfg.Resolve.NameChoice)
		if err != nil {
			return opts, err
		}
		opts.Names = merge.FixedNameMerger{Choice: choice, Custom: resolveFlags.Name}
	}

	if prompt {
		opts.Contents = promptContentMerger{backend: s.backend, auto: merge.NewPatchMerger(s.backend, s.logger)}
	}
	return opts, nil
}
