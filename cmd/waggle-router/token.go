package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/config"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
		format  = envelope.DefaultIdentityFormat()
		minorOK bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token offline",
		Long: `Sign a token with the router's secret key. Plugin tokens carry the
plugin credential as subject, node tokens the node ID. The secret defaults
to $WAGGLE_SECRET_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv(config.EnvSecretKey)
			}
			if secret == "" {
				return fmt.Errorf("a secret is required (--secret or %s)", config.EnvSecretKey)
			}

			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			switch r {
			case auth.RolePlugin:
				format.MinorRequired = !minorOK
				if _, err := format.Parse(subject); err != nil {
					return err
				}
			case auth.RoleNode:
				id, err := envelope.NormalizeID(subject)
				if err != nil {
					return err
				}
				subject = string(id)
			}

			token, expiresAt, err := auth.NewJWTAuth(secret, ttl).GenerateToken(subject, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s token for %s expires %s\n", r, subject, expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret shared with the router")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (required)")
	cmd.Flags().StringVar(&role, "role", string(auth.RolePlugin), "Role: plugin, node or admin")
	cmd.Flags().IntVar(&format.IDBase, "id-base", format.IDBase, "Base of plugin ids in plugin subjects: 10 or 16")
	cmd.Flags().BoolVar(&minorOK, "minor-optional", false, "Accept plugin subjects without a minor version")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(fmt.Sprintf("Failed to mark subject as required: %v", err))
	}

	return cmd
}
