package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/vannguyen-14/client-matino/internal/store"
)

// UserOptions holds flags for the user subcommands.
type UserOptions struct {
	*RootOptions
	MSISDN string
	Name   string
	Token  string
	TTL    time.Duration
}

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UserOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and their tokens",
	}

	put := &cobra.Command{
		Use:           "put <user_id>",
		Short:         "Create or replace a user row",
		Example:       `  statecache user put 3 --msisdn 959000111 --token tok-3`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserPut(opts, cmd, args[0])
		},
	}
	put.Flags().StringVar(&opts.MSISDN, "msisdn", "", "phone number used by the compact auth form")
	put.Flags().StringVar(&opts.Name, "name", "", "display name")
	put.Flags().StringVar(&opts.Token, "token", "", "API token (required)")
	_ = put.MarkFlagRequired("token")

	token := &cobra.Command{
		Use:   "token <user_id>",
		Short: "Sign a JWT for a user (auth.mode jwt)",
		Long: `Sign an HS256 token for the user with auth.jwt_secret. The token is
accepted wherever a user token is, when the server runs with auth.mode jwt.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserToken(opts, cmd, args[0])
		},
	}
	token.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")

	cmd.AddCommand(put, token)
	return cmd
}

func runUserPut(opts *UserOptions, cmd *cobra.Command, userArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	if opts.Token == "" {
		return NewExitError(ExitCommandError, "--token must not be empty")
	}
	out := formatter(opts.RootOptions, cmd)

	return withApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), func(a *app) error {
		err := a.store.UpsertUser(cmd.Context(), store.User{
			ID:          id,
			MSISDN:      opts.MSISDN,
			DisplayName: opts.Name,
			APIToken:    opts.Token,
		})
		if err != nil {
			return WrapExitError(ExitFailure, "failed to save user", err)
		}
		return out.Success(map[string]any{"user_id": int64(id), "msisdn": opts.MSISDN})
	})
}

func runUserToken(opts *UserOptions, cmd *cobra.Command, userArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "--ttl must be positive")
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	signer, err := newJWT(cfg.Auth)
	if err != nil {
		return WrapExitError(ExitCommandError, "auth.jwt_secret is not usable", err)
	}
	now := time.Now().UTC()
	tok, err := signer.Sign(id, opts.TTL, now)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign token", err)
	}

	return formatter(opts.RootOptions, cmd).Success(map[string]any{
		"user_id":    int64(id),
		"token":      tok,
		"expires_at": now.Add(opts.TTL).Format(time.RFC3339),
	})
}
