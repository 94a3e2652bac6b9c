package commands

import (
	"fmt"

	contextutils "fieldsync/internal/utils"

	"github.com/spf13/cobra"
)

// ResponseCommands returns the survey response commands
func ResponseCommands(env *Env) *cobra.Command {
	responsesCmd := &cobra.Command{
		Use:   "responses",
		Short: "Survey response commands",
	}

	responsesCmd.AddCommand(draftsCmd(env))
	responsesCmd.AddCommand(uploadCmd(env))
	return responsesCmd
}

func draftsCmd(env *Env) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List the open drafts of an enumerator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			responses, err := sc.GetResponseService()
			if err != nil {
				return err
			}

			drafts, err := responses.GetDraftResponses(ctx, userID)
			if err != nil {
				return contextutils.WrapErrorf(err, "failed to list drafts for %s", userID)
			}

			out := cmd.OutOrStdout()
			if len(drafts) == 0 {
				fmt.Fprintf(out, "No drafts for %s\n", userID)
				return nil
			}
			fmt.Fprintf(out, "%-38s %-24s %-8s %-20s\n", "ID", "Survey", "Answers", "Last saved")
			printRule(out, 93)
			for _, r := range drafts {
				fmt.Fprintf(out, "%-38s %-24s %-8d %-20s\n", r.ID, truncate(r.SurveyID, 24), len(r.Answers), formatTime(r.UpdatedAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Enumerator user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func uploadCmd(env *Env) *cobra.Command {
	var maxCount int

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload pending file attachments now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sc, err := env.Container(ctx)
			if err != nil {
				return err
			}
			uploads, err := sc.GetFileUploadService()
			if err != nil {
				return err
			}

			n, err := uploads.UploadPending(ctx, maxCount)
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %d files\n", n)
			if err != nil {
				return contextutils.WrapError(err, "upload stopped early")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxCount, "max", 20, "Maximum number of files to upload")
	return cmd
}
