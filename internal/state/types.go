package state

import (
	"strconv"
	"time"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
)

// UserID identifies the owner of a state record.
type UserID int64

// String returns the decimal form used in cache keys and JWT subjects.
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses the decimal form of a user id. Zero and negative ids are
// rejected.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return UserID(n), nil
}

// Record is the realtime state of one user held in the fast store.
type Record struct {
	UserID    UserID           `json:"user_id"`
	Data      jsondoc.Document `json:"json_data"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// IsEmpty reports whether the record carries no state at all.
func (r Record) IsEmpty() bool {
	return len(r.Data) == 0 && r.Version == 0
}

// Clone returns a copy of r that shares no maps with it.
func (r Record) Clone() Record {
	r.Data = jsondoc.Clone(r.Data)
	return r
}

// Statement is one persisted snapshot. Statements are never modified after
// they are written.
type Statement struct {
	ID        int64            `json:"statement_id"`
	UserID    UserID           `json:"user_id"`
	Data      jsondoc.Document `json:"json_data"`
	CreatedAt time.Time        `json:"created_at"`
}

// Source records which store answered a read.
type Source string

const (
	SourceCache   Source = "cache"
	SourceDurable Source = "durable"
)

// WireName returns the external name of the source. Clients depend on these
// values, so they stay "redis" and "db" whatever the backing stores are.
func (s Source) WireName() string {
	switch s {
	case SourceCache:
		return "redis"
	case SourceDurable:
		return "db"
	default:
		return string(s)
	}
}

// View is the answer to a state read.
type View struct {
	Source      Source
	UserID      UserID
	Data        jsondoc.Document
	StatementID *int64
	Version     int64
}

// AuthContext is the (user, token) pair supplied with a request.
type AuthContext struct {
	UserID UserID
	Token  string
}
