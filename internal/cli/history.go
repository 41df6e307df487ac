package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit   int
	Summary bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <user_id>",
		Short: "List a user's persisted statements, newest first",
		Example: `  statecache history 3
  statecache history 3 --limit 5 --summary --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum statements to list (default server.history_limit)")
	cmd.Flags().BoolVar(&opts.Summary, "summary", false, "include the derived summary columns")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, userArg string) error {
	id, err := parseUserArg(userArg)
	if err != nil {
		return err
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	out := formatter(opts.RootOptions, cmd)

	return withApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), func(a *app) error {
		limit := opts.Limit
		if limit == 0 {
			limit = a.cfg.Server.HistoryLimit
		}

		stmts, err := a.store.ListStatements(cmd.Context(), id, limit)
		if err != nil {
			return out.Fail(state.NewStoreUnavailable(id, "list statements", err))
		}

		items := make([]any, 0, len(stmts))
		for _, st := range stmts {
			item := map[string]any{
				"statement_id": st.ID,
				"created_at":   st.CreatedAt.UTC().Format(time.RFC3339),
				"json_data":    st.Data,
			}
			if opts.Summary {
				sum, err := a.store.ReadSummary(cmd.Context(), st.ID)
				if err != nil {
					return out.Fail(state.NewStoreUnavailable(id, "read summary", err))
				}
				item["summary"] = summaryMap(sum)
			}
			items = append(items, item)
		}

		if out.Format == "json" {
			return out.Success(map[string]any{"user_id": int64(id), "statements": items})
		}
		return writeHistoryText(out, id, items)
	})
}

func summaryMap(s state.Summary) map[string]any {
	m := map[string]any{
		"coins":         s.Coins,
		"scores":        s.Scores,
		"level_played":  s.LevelPlayed,
		"language_id":   s.LanguageID,
		"daily_day":     s.DailyDay,
		"skin_equipped": s.SkinEquipped,
		"achie_count":   s.AchieCount,
	}
	if s.LastLoginTime != nil {
		m["last_login_time"] = s.LastLoginTime.Format(time.RFC3339)
	}
	return m
}

// writeHistoryText prints one statement per line.
func writeHistoryText(out *OutputFormatter, id state.UserID, items []any) error {
	if len(items) == 0 {
		fmt.Fprintf(out.Writer, "No statements for user %d.\n", id)
		return nil
	}
	for _, it := range items {
		m := it.(map[string]any)
		doc, err := jsondoc.MarshalString(m["json_data"])
		if err != nil {
			return fmt.Errorf("encode statement: %w", err)
		}
		fmt.Fprintf(out.Writer, "#%d  %s  %s\n", m["statement_id"], m["created_at"], doc)
		if sum, ok := m["summary"]; ok {
			fmt.Fprintf(out.Writer, "    summary: %s\n", textValue(sum))
		}
	}
	return nil
}
