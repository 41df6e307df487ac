package state

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
)

// Summary holds the columns derived from a snapshot for reporting queries.
// Missing or mistyped fields fall back to zero values.
type Summary struct {
	StatementID  int64  `json:"statement_id"`
	UserID       UserID `json:"user_id"`
	Coins        int64  `json:"coins"`
	Scores       int64  `json:"scores"`
	LevelPlayed  int64  `json:"level_played"`
	LanguageID   string `json:"language_id,omitempty"`
	DailyDay     int64  `json:"daily_day"`
	SkinEquipped string `json:"skin_equipped,omitempty"`
	AchieCount   int64  `json:"achie_count"`

	// LastLoginTime is nil when the snapshot has no parseable lastLoginTime.
	LastLoginTime *time.Time `json:"last_login_time,omitempty"`
}

// Summarize derives the summary columns from a snapshot.
func Summarize(id UserID, data jsondoc.Document) Summary {
	return Summary{
		UserID:       id,
		Coins:        intField(data, "coins"),
		Scores:       intField(data, "scores"),
		LevelPlayed:  intField(data, "levelPlayed"),
		LanguageID:   stringField(data, "languageId"),
		DailyDay:     intField(data, "dailyDay"),
		SkinEquipped: stringField(data, "skinEquiped"),
		AchieCount:   countAchievements(data),

		LastLoginTime: timeField(data, "lastLoginTime"),
	}
}

// countAchievements counts "achie*" keys (excluding the "achieLv*" level
// markers) holding a positive number.
func countAchievements(data jsondoc.Document) int64 {
	var n int64
	for k, v := range data {
		if !strings.HasPrefix(k, "achie") || strings.HasPrefix(k, "achieLv") {
			continue
		}
		if f, ok := number(v); ok && f > 0 {
			n++
		}
	}
	return n
}

// intField truncates a numeric field toward zero, saturating at the int64
// range.
func intField(data jsondoc.Document, key string) int64 {
	if n, ok := data[key].(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	f, ok := number(data[key])
	if !ok {
		return 0
	}
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(math.Trunc(f))
}

var loginTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
}

// timeField reads a timestamp given as text in one of loginTimeLayouts
// (zone-less layouts are UTC) or as Unix seconds. Numbers above 1e12 are
// taken as Unix milliseconds.
func timeField(data jsondoc.Document, key string) *time.Time {
	var t time.Time
	switch v := data[key].(type) {
	case string:
		for _, layout := range loginTimeLayouts {
			parsed, err := time.Parse(layout, v)
			if err == nil {
				t = parsed
				break
			}
		}
		if t.IsZero() {
			return nil
		}
	default:
		f, ok := number(v)
		if !ok || f <= 0 || f >= 1e15 {
			return nil
		}
		if f > 1e12 {
			t = time.UnixMilli(int64(f))
		} else {
			t = time.Unix(int64(f), 0)
		}
	}
	t = t.UTC()
	return &t
}

func stringField(data jsondoc.Document, key string) string {
	s, _ := data[key].(string)
	return s
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
