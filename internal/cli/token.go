package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/playsync/internal/server"
)

// NewTokenCommand creates the token command. Production tokens come from
// the account service; this one is for development and testing.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		secret, subject string
		children        []string
		ttl             time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		Example: `  playsync token --secret s3cret --subject parent-1 --child c1 --child c2
  playsync device sync --token "$(playsync token --secret s3cret)"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return NewExitError(ExitCommandError, "--secret is required")
			}
			tok, err := server.IssueToken(secret, subject, children, ttl, time.Now())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to issue token", err)
			}
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return out.Success(map[string]string{"token": tok}, func(w io.Writer) {
				fmt.Fprintln(w, tok)
			})
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HS256 signing secret")
	cmd.Flags().StringVar(&subject, "subject", "dev", "token subject")
	cmd.Flags().StringSliceVar(&children, "child", nil, "child ids the token may access (repeatable; empty means all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
