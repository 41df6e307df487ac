package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/vannguyen-14/client-matino/internal/engine"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// StateOptions holds flags shared by the state subcommands.
type StateOptions struct {
	*RootOptions
	Token string
}

// NewStateCommand creates the state command group.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read, update and flush a user's state",
		Long: `Operate on one user's state through the same engine the HTTP API uses.

With the memory cache backend the cache lives only as long as the command,
so update is mostly useful against a shared Redis cache.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "user token for update and save")

	cmd.AddCommand(
		&cobra.Command{
			Use:           "get <user_id>",
			Short:         "Show the current state (cache first, then latest statement)",
			Args:          cobra.ExactArgs(1),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStateGet(opts, cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "update <user_id> <patch-json|->",
			Short: "Merge a JSON object into the cached state",
			Example: `  statecache state update 3 '{"coins":100}' --token tok-3
  echo '{"level":5}' | statecache state update 3 - --token tok-3`,
			Args:          cobra.ExactArgs(2),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStateUpdate(opts, cmd, args[0], args[1])
			},
		},
		&cobra.Command{
			Use:           "save <user_id> [json-data|-]",
			Short:         "Persist the cached state, or json-data when nothing is cached",
			Args:          cobra.RangeArgs(1, 2),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				fallback := ""
				if len(args) == 2 {
					fallback = args[1]
				}
				return runStateSave(opts, cmd, args[0], fallback)
			},
		},
		&cobra.Command{
			Use:           "flush <user_id>",
			Short:         "Persist the cached state without a token check",
			Args:          cobra.ExactArgs(1),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStateFlush(opts, cmd, args[0])
			},
		},
	)

	return cmd
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func parseUserArg(arg string) (state.UserID, error) {
	id, err := state.ParseUserID(arg)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "invalid user_id", err)
	}
	return id, nil
}

// readDocument parses a JSON object argument; "-" reads it from in.
func readDocument(arg string, in io.Reader) (jsondoc.Document, error) {
	var (
		doc jsondoc.Document
		err error
	)
	if arg == "-" {
		doc, err = jsondoc.Decode(in)
	} else {
		doc, err = jsondoc.DecodeBytes([]byte(arg))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid JSON document", err)
	}
	return doc, nil
}

func runStateGet(opts *StateOptions, cmd *cobra.Command, userArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	out := formatter(opts.RootOptions, cmd)

	return withApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), func(a *app) error {
		view, err := a.engine.GetState(cmd.Context(), id)
		if err != nil {
			return out.Fail(err)
		}
		data := map[string]any{
			"user_id":   int64(view.UserID),
			"source":    view.Source.WireName(),
			"json_data": view.Data,
		}
		if view.StatementID != nil {
			data["statement_id"] = *view.StatementID
		}
		if view.Source == state.SourceCache {
			data["version"] = view.Version
		}
		return out.Success(data)
	})
}

func runStateUpdate(opts *StateOptions, cmd *cobra.Command, userArg, patchArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	patch, err := readDocument(patchArg, cmd.InOrStdin())
	if err != nil {
		return err
	}
	out := formatter(opts.RootOptions, cmd)

	return withApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), func(a *app) error {
		version, err := a.engine.Update(cmd.Context(), state.AuthContext{UserID: id, Token: opts.Token}, patch)
		if err != nil {
			return out.Fail(err)
		}
		return out.Success(map[string]any{"user_id": int64(id), "version": version})
	})
}

func runStateSave(opts *StateOptions, cmd *cobra.Command, userArg, fallbackArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	var fallback jsondoc.Document
	if fallbackArg != "" {
		if fallback, err = readDocument(fallbackArg, cmd.InOrStdin()); err != nil {
			return err
		}
	}
	out := formatter(opts.RootOptions, cmd)

	return withApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), func(a *app) error {
		res, err := a.engine.Save(cmd.Context(), state.AuthContext{UserID: id, Token: opts.Token}, fallback)
		if err != nil {
			return out.Fail(err)
		}
		return out.Success(flushOutput(id, res))
	})
}

func runStateFlush(opts *StateOptions, cmd *cobra.Command, userArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	out := formatter(opts.RootOptions, cmd)

	return withApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), func(a *app) error {
		res, err := a.engine.ForceFlush(cmd.Context(), id)
		if err != nil {
			return out.Fail(err)
		}
		return out.Success(flushOutput(id, res))
	})
}

func flushOutput(id state.UserID, res engine.FlushResult) map[string]any {
	return map[string]any{
		"user_id":      int64(id),
		"statement_id": res.StatementID,
		"written":      res.Written,
		"phase":        string(res.Phase),
	}
}
