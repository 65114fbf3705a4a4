package session

import (
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// Migrations returns the session schema. It depends on the auth tables.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version: 2,
			Name:    "sessions",
			Statements: []string{
				`CREATE TABLE sessions (
					id          TEXT PRIMARY KEY,
					topic       TEXT NOT NULL,
					created_by  INTEGER NOT NULL REFERENCES auth_user(id) ON DELETE CASCADE,
					scope_id    INTEGER NOT NULL REFERENCES auth_scope(id) ON DELETE CASCADE,
					ttl         INTEGER NOT NULL DEFAULT 0,
					created_at  TEXT NOT NULL,
					last_active TEXT NOT NULL
				)`,
				`CREATE INDEX idx_sessions_topic ON sessions(topic, scope_id)`,
				`CREATE TABLE session_participants (
					session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
					user_id     INTEGER NOT NULL REFERENCES auth_user(id) ON DELETE CASCADE,
					role        TEXT NOT NULL CHECK (role IN ('owner', 'moderator', 'member')),
					joined_at   TEXT NOT NULL,
					last_active TEXT NOT NULL,
					PRIMARY KEY (session_id, user_id)
				)`,
				`CREATE INDEX idx_session_participants_user ON session_participants(user_id)`,
				`CREATE TABLE session_variables (
					session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
					key        TEXT NOT NULL,
					value      TEXT NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					PRIMARY KEY (session_id, key)
				)`,
			},
		},
	}
}

const (
	tableSessions     = "sessions"
	tableParticipants = "session_participants"
	tableVariables    = "session_variables"
)

// ttlMillis stores durations as integer milliseconds.
var ttlMillis = database.Transform{
	Encode: func(v any) (any, error) {
		if d, ok := v.(time.Duration); ok {
			return d.Milliseconds(), nil
		}
		return v, nil
	},
	Decode: func(v any) (any, error) {
		return time.Duration(database.Row{"v": v}.Int64("v")) * time.Millisecond, nil
	},
}

var sessionSchema = database.Schema[Session]{
	Table: tableSessions,
	Fields: map[string]database.Transform{
		"ttl":         ttlMillis,
		"created_at":  database.Time,
		"last_active": database.Time,
	},
	ToRow: func(s Session) database.Row {
		return database.Row{
			"id":          s.ID,
			"topic":       s.Topic,
			"created_by":  s.CreatedBy,
			"scope_id":    s.ScopeID,
			"ttl":         s.TTL,
			"created_at":  s.CreatedAt,
			"last_active": s.LastActive,
		}
	},
	FromRow: func(r database.Row) (Session, error) {
		ttl, _ := r["ttl"].(time.Duration)
		return Session{
			ID:         r.String("id"),
			Topic:      r.String("topic"),
			CreatedBy:  r.Int64("created_by"),
			ScopeID:    r.Int64("scope_id"),
			TTL:        ttl,
			CreatedAt:  r.Time("created_at"),
			LastActive: r.Time("last_active"),
		}, nil
	},
}

var participantSchema = database.Schema[Participant]{
	Table: tableParticipants,
	Fields: map[string]database.Transform{
		"joined_at":   database.Time,
		"last_active": database.Time,
	},
	ToRow: func(p Participant) database.Row {
		return database.Row{
			"session_id":  p.SessionID,
			"user_id":     p.UserID,
			"role":        string(p.Role),
			"joined_at":   p.JoinedAt,
			"last_active": p.LastActive,
		}
	},
	FromRow: func(r database.Row) (Participant, error) {
		return Participant{
			SessionID:  r.String("session_id"),
			UserID:     r.Int64("user_id"),
			Role:       ParticipantRole(r.String("role")),
			JoinedAt:   r.Time("joined_at"),
			LastActive: r.Time("last_active"),
		}, nil
	},
}

var variableSchema = database.Schema[Variable]{
	Table: tableVariables,
	Fields: map[string]database.Transform{
		"value":      database.JSON,
		"created_at": database.Time,
		"updated_at": database.Time,
	},
	ToRow: func(v Variable) database.Row {
		return database.Row{
			"session_id": v.SessionID,
			"key":        v.Key,
			"value":      v.Value,
			"created_at": v.CreatedAt,
			"updated_at": v.UpdatedAt,
		}
	},
	FromRow: func(r database.Row) (Variable, error) {
		return Variable{
			SessionID: r.String("session_id"),
			Key:       r.String("key"),
			Value:     r["value"],
			CreatedAt: r.Time("created_at"),
			UpdatedAt: r.Time("updated_at"),
		}, nil
	},
}
