package cli

import (
	"context"

	"github.com/sdejongh/vcsreconcile/pkg/changes"
	"github.com/spf13/cobra"
)

// workflow runs one changes.Engine call over the command arguments
type workflow func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error)

// newEngine builds the pending-change engine for the session
func (s *session) newEngine() *changes.Engine {
	return changes.NewEngine(s.server, s.backend, s.executor, changes.Options{
		Guard:             s.guard,
		AllowDownload:     s.cfg.Apply.AllowDownload,
		OverwriteWritable: s.cfg.Apply.OverwriteWritable,
		Excludes:          s.cfg.Exclude,
		Progress:          s.applyProgress,
	}, s.logger)
}

// finishChanges copies a workflow result into the report and exits
func (s *session) finishChanges(result *changes.Result, err error) error {
	if err != nil {
		s.report.Errors = append(s.report.Errors, err)
		return s.finish(0)
	}
	s.report.Operations = result.Operations
	s.report.Files.Merge(result.Files)
	s.report.Errors = append(s.report.Errors, result.Errors...)
	return s.finish(result.Succeeded())
}

// runWorkflow opens a session and runs fn over the arguments
func runWorkflow(cmd *cobra.Command, command string, args []string, fn workflow) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	paths, err := absPaths(args)
	if err != nil {
		return err
	}

	s, err := openSession(command)
	if err != nil {
		return err
	}
	result, err := fn(ctx, s.newEngine(), paths)
	return s.finishChanges(result, err)
}

// NewGetCommand creates the get command
func NewGetCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "get [paths...]",
		Short: "Get the latest version from the server",
		Long: `Bring the workspace, or the given paths, to the latest server version.
Items with conflicting pending changes are left alone and show up in "conflicts list".
With --force the workspace version is fetched again and local damage is repaired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "get", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				if force {
					if len(paths) == 0 {
						paths = []string{engine.Root()}
					}
					return engine.Restore(ctx, paths)
				}
				return engine.GetLatest(ctx, paths)
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-get the workspace version, replacing changed or missing files")

	return cmd
}

// NewUndoCommand creates the undo command
func NewUndoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "undo <paths...>",
		Short: "Undo pending changes",
		Long: `Drop the pending changes of the given paths and restore their server state.
Undoing a rename moves the item back; undoing an add keeps the local file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "undo", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				return engine.Undo(ctx, paths)
			})
		},
	}
}

// NewRestoreCommand creates the restore command
func NewRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <paths...>",
		Short: "Restore missing or changed files",
		Long:  `Fetch the workspace version of the given paths again, recreating deleted files.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "restore", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				return engine.Restore(ctx, paths)
			})
		},
	}
}

// NewAddCommand creates the add command
func NewAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <paths...>",
		Short: "Schedule files and folders for addition",
		Long: `Record pending adds for the given paths. Folders are added with their content,
skipping what .tfignore and the configured exclude patterns match.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "add", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				return engine.ScheduleForAddition(ctx, paths)
			})
		},
	}
}

// NewDeleteCommand creates the delete command
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <paths...>",
		Short: "Schedule items for deletion",
		Long: `Record pending deletes for the given paths and remove them locally.
Other pending changes of those items are undone first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "delete", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				return engine.ScheduleForDeletion(ctx, paths)
			})
		},
	}
}

// NewEditCommand creates the edit command
func NewEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "edit <paths...>",
		Aliases: []string{"checkout"},
		Short:   "Check out files for editing",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "edit", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				return engine.CheckOut(ctx, paths)
			})
		},
	}
}

// NewRenameCommand creates the rename command
func NewRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rename <old> <new>",
		Aliases: []string{"move"},
		Short:   "Rename or move an item",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, "rename", args, func(ctx context.Context, engine *changes.Engine, paths []string) (*changes.Result, error) {
				return engine.Rename(ctx, paths[0], paths[1])
			})
		},
	}
}
