package cli

import (
	"context"
	"fmt"

	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/spf13/cobra"
)

// NewCheckInCommand creates the checkin command
func NewCheckInCommand() *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Commit every pending change",
		Long: `Commit the pending changes of the workspace to the server. Items in conflict or
based on an outdated version are refused: get and resolve first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			s, err := openSession("checkin")
			if err != nil {
				return err
			}

			changeset, paths, err := s.server.CheckIn(ctx, comment)
			if err != nil {
				s.report.Errors = append(s.report.Errors, &models.ServerError{Op: "check in", Err: err})
				return s.finish(0)
			}

			// committed files go back to read-only like any other downloaded file
			for _, path := range paths {
				if err := s.backend.SetWritable(ctx, path, false); err != nil {
					s.report.Errors = append(s.report.Errors, &models.FilesystemError{Op: "chmod", Path: path, Err: err})
					continue
				}
				s.report.Files.Add(models.GroupUpdated, path, changeset)
			}
			s.report.Operations = len(paths)
			fmt.Fprintf(s.out, "Changeset %d checked in.\n", changeset)
			return s.finish(len(paths))
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "changeset comment")

	return cmd
}
