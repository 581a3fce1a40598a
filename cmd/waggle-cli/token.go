package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token (requires an admin token)",
		Long: `Ask the router to issue a token. Plugin tokens carry the plugin
credential as subject, node tokens the node ID.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !client.IsAuthenticated() {
				return fmt.Errorf("not authenticated - provide an admin --token")
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			response, err := client.IssueToken(ctx, subject, role)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Issued %s token for %s\n", response.Role, response.Subject)
			fmt.Fprintf(out, "Token: %s\n", response.Token)
			fmt.Fprintf(out, "Expires: %s\n", response.ExpiresAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "\n  export WAGGLE_TOKEN=\"%s\"\n", response.Token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	cmd.Flags().StringVar(&role, "role", "plugin", "Role: plugin, node or admin")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(fmt.Sprintf("Failed to mark subject as required: %v", err))
	}

	return cmd
}
