package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

// payloadVersion tags the snapshot encoding written by this package.
const payloadVersion = 1

// InsertStatement appends a snapshot for userID and its summary row in one
// transaction, returning the stored statement with its generated id.
func (s *Store) InsertStatement(ctx context.Context, userID state.UserID, data jsondoc.Document, createdAt time.Time) (state.Statement, error) {
	body, err := marshalStatement(data)
	if err != nil {
		return state.Statement{}, fmt.Errorf("insert statement: %w", err)
	}
	createdAt = createdAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.Statement{}, fmt.Errorf("insert statement: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO game_statements
		(user_id, payload_version, statement_json, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`),
		int64(userID),
		payloadVersion,
		body,
		createdAt,
	).Scan(&id)
	if err != nil {
		return state.Statement{}, fmt.Errorf("insert statement: %w", err)
	}

	sum := state.Summarize(userID, data)
	sum.StatementID = id
	if err := s.insertSummary(ctx, tx, sum); err != nil {
		return state.Statement{}, fmt.Errorf("insert statement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return state.Statement{}, fmt.Errorf("insert statement: commit: %w", err)
	}

	return state.Statement{
		ID:        id,
		UserID:    userID,
		Data:      jsondoc.Clone(data),
		CreatedAt: createdAt,
	}, nil
}

func (s *Store) insertSummary(ctx context.Context, tx *sql.Tx, sum state.Summary) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO game_statement_summaries
		(statement_id, user_id, coins, scores, level_played, language_id, daily_day, skin_equipped, achie_count, last_login_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		sum.StatementID,
		int64(sum.UserID),
		sum.Coins,
		sum.Scores,
		sum.LevelPlayed,
		sum.LanguageID,
		sum.DailyDay,
		sum.SkinEquipped,
		sum.AchieCount,
		nullTime(sum.LastLoginTime),
	)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// User is a row of the users table.
type User struct {
	ID          state.UserID
	MSISDN      string
	DisplayName string
	APIToken    string
	CreatedAt   time.Time
}

// UpsertUser inserts or replaces a user row. It exists for seeding and admin
// tooling; the core only reads tokens.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, msisdn, display_name, api_token, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			msisdn = excluded.msisdn,
			display_name = excluded.display_name,
			api_token = excluded.api_token
	`),
		int64(u.ID),
		nullString(u.MSISDN),
		u.DisplayName,
		nullString(u.APIToken),
		u.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
