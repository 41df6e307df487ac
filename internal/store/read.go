package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vannguyen-14/client-matino/internal/state"
)

// LatestStatement returns the statement with the greatest id for userID.
// ok is false when the user has no statements.
func (s *Store) LatestStatement(ctx context.Context, userID state.UserID) (stmt state.Statement, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, statement_json, created_at
		FROM game_statements
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT 1
	`), int64(userID))

	stmt, err = scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Statement{}, false, nil
	}
	if err != nil {
		return state.Statement{}, false, fmt.Errorf("latest statement: %w", err)
	}
	return stmt, true, nil
}

// ReadStatement retrieves a single statement by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadStatement(ctx context.Context, id int64) (state.Statement, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, statement_json, created_at
		FROM game_statements
		WHERE id = ?
	`), id)

	stmt, err := scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Statement{}, fmt.Errorf("read statement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return state.Statement{}, fmt.Errorf("read statement %d: %w", id, err)
	}
	return stmt, nil
}

// ListStatements returns up to limit statements for userID, newest first.
// A limit <= 0 returns all of them. Returns an empty slice (not nil) when
// the user has none.
func (s *Store) ListStatements(ctx context.Context, userID state.UserID, limit int) ([]state.Statement, error) {
	query := `
		SELECT id, user_id, statement_json, created_at
		FROM game_statements
		WHERE user_id = ?
		ORDER BY id DESC
	`
	args := []any{int64(userID)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query statements: %w", err)
	}
	defer rows.Close()

	statements := []state.Statement{}
	for rows.Next() {
		stmt, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		statements = append(statements, stmt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statements: %w", err)
	}

	return statements, nil
}

// ReadSummary returns the summary row written with a statement.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadSummary(ctx context.Context, statementID int64) (state.Summary, error) {
	var (
		sum       state.Summary
		userID    int64
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT statement_id, user_id, coins, scores, level_played, language_id, daily_day, skin_equipped, achie_count, last_login_time
		FROM game_statement_summaries
		WHERE statement_id = ?
	`), statementID).Scan(
		&sum.StatementID,
		&userID,
		&sum.Coins,
		&sum.Scores,
		&sum.LevelPlayed,
		&sum.LanguageID,
		&sum.DailyDay,
		&sum.SkinEquipped,
		&sum.AchieCount,
		&lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Summary{}, fmt.Errorf("read summary %d: %w", statementID, ErrNotFound)
	}
	if err != nil {
		return state.Summary{}, fmt.Errorf("read summary %d: %w", statementID, err)
	}
	sum.UserID = state.UserID(userID)
	if lastLogin.Valid {
		t := lastLogin.Time.UTC()
		sum.LastLoginTime = &t
	}
	return sum, nil
}

// UserToken returns the api token stored for userID. ok is false when the
// user does not exist or has no token.
func (s *Store) UserToken(ctx context.Context, userID state.UserID) (token string, ok bool, err error) {
	var tok sql.NullString
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT api_token FROM users WHERE id = ?
	`), int64(userID)).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read user token: %w", err)
	}
	return tok.String, tok.Valid && tok.String != "", nil
}

// UserByMSISDN looks a user up by phone number.
// Returns ErrNotFound if no user has that number.
func (s *Store) UserByMSISDN(ctx context.Context, msisdn string) (User, error) {
	var (
		u     User
		id    int64
		phone sql.NullString
		tok   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, msisdn, display_name, api_token, created_at
		FROM users
		WHERE msisdn = ?
	`), msisdn).Scan(&id, &phone, &u.DisplayName, &tok, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user by msisdn: %w", ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("user by msisdn: %w", err)
	}
	u.ID = state.UserID(id)
	u.MSISDN = phone.String
	u.APIToken = tok.String
	return u, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatement(row rowScanner) (state.Statement, error) {
	var (
		stmt      state.Statement
		userID    int64
		body      string
		createdAt time.Time
	)
	if err := row.Scan(&stmt.ID, &userID, &body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Statement{}, err
		}
		return state.Statement{}, fmt.Errorf("scan statement: %w", err)
	}

	data, err := unmarshalStatement(body)
	if err != nil {
		return state.Statement{}, fmt.Errorf("statement %d: %w", stmt.ID, err)
	}

	stmt.UserID = state.UserID(userID)
	stmt.Data = data
	stmt.CreatedAt = createdAt.UTC()
	return stmt, nil
}
