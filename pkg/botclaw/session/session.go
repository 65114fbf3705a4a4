// Package session manages short-lived conversational sessions: at most one
// live session per (user, topic, scope), participants with roles, per-session
// JSON variables, and lazy TTL expiry on access.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// Failure reasons. Expired sessions are reported as not found.
var (
	ErrSessionAlreadyExists = errors.New("session_already_exists")
	ErrSessionNotFound      = errors.New("session_not_found")
	ErrNotBelongToUser      = errors.New("session_not_belong_to_user")
)

// ParticipantRole is a participant's role inside a session.
type ParticipantRole string

const (
	RoleOwner     ParticipantRole = "owner"
	RoleModerator ParticipantRole = "moderator"
	RoleMember    ParticipantRole = "member"
)

// Session is an ephemeral conversational state container.
type Session struct {
	ID         string
	Topic      string
	CreatedBy  int64
	ScopeID    int64
	TTL        time.Duration
	CreatedAt  time.Time
	LastActive time.Time
}

// Expired reports whether the session's TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.LastActive) > s.TTL
}

// Participant is a user attached to a session.
type Participant struct {
	SessionID  string
	UserID     int64
	Role       ParticipantRole
	JoinedAt   time.Time
	LastActive time.Time
}

// Variable is one stored session value.
type Variable struct {
	SessionID string
	Key       string
	Value     any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identifier selects a session by topic, creator and scope.
type Identifier struct {
	Topic   string
	UserID  int64
	ScopeID int64
}

// Options configures a new session.
type Options struct {
	// TTL expires the session after this much inactivity. Zero never expires.
	TTL time.Duration
}

// Manager creates, finds and expires sessions.
type Manager struct {
	db           *database.DB
	sessions     *database.Repository[Session]
	participants *database.Repository[Participant]
	variables    *database.Repository[Variable]
	logger       *slog.Logger
	now          func() time.Time
	newID        func(now time.Time) string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager backed by db.
func NewManager(db *database.DB, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		db:           db,
		sessions:     database.NewRepository(db.Store, sessionSchema),
		participants: database.NewRepository(db.Store, participantSchema),
		variables:    database.NewRepository(db.Store, variableSchema),
		logger:       logger.With("component", "sessions"),
		now:          time.Now,
		newID:        newSessionID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newSessionID returns session_<unix ms>_<9 random chars>.
func newSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), random)
}

// Create starts a new session owned by id.UserID. It fails with
// ErrSessionAlreadyExists when the user already participates in a live
// session with the same topic and scope.
func (m *Manager) Create(ctx context.Context, id Identifier, opts Options) (*Session, error) {
	existing, err := m.FindParticipantSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrSessionAlreadyExists
	}

	now := m.now()
	s := Session{
		ID:         m.newID(now),
		Topic:      id.Topic,
		CreatedBy:  id.UserID,
		ScopeID:    id.ScopeID,
		TTL:        opts.TTL,
		CreatedAt:  now,
		LastActive: now,
	}

	var created *Session
	err = m.db.Tx(ctx, func(tx *database.Store) error {
		var err error
		created, err = m.sessions.WithStore(tx).Insert(ctx, s, database.ConflictAbort)
		if err != nil {
			return err
		}
		_, err = m.participants.WithStore(tx).Insert(ctx, Participant{
			SessionID:  s.ID,
			UserID:     id.UserID,
			Role:       RoleOwner,
			JoinedAt:   now,
			LastActive: now,
		}, database.ConflictAbort)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Debug("session created", "id", s.ID, "topic", id.Topic,
		"user_id", id.UserID, "scope_id", id.ScopeID, "ttl", opts.TTL)
	return created, nil
}

// GetOrCreate returns the user's live session for (topic, scope), creating
// it when there is none.
func (m *Manager) GetOrCreate(ctx context.Context, id Identifier, opts Options) (*Session, error) {
	existing, err := m.FindParticipantSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return m.Create(ctx, id, opts)
}

// Get returns the session, or nil when it does not exist. With validate, an
// expired session is deleted and reported as absent.
func (m *Manager) Get(ctx context.Context, id string, validate bool) (*Session, error) {
	s, err := m.sessions.Get(ctx, database.Condition{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if s == nil {
		return nil, nil
	}
	if validate && s.Expired(m.now()) {
		if _, err := m.Delete(ctx, id); err != nil {
			return nil, err
		}
		m.logger.Debug("session expired", "id", id, "topic", s.Topic)
		return nil, nil
	}
	return s, nil
}

// FindParticipantSession returns the first live session the user
// participates in whose topic and scope match id.
func (m *Manager) FindParticipantSession(ctx context.Context, id Identifier) (*Session, error) {
	sessions, err := m.ListByUser(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Topic == id.Topic && sessions[i].ScopeID == id.ScopeID {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// ListByUser returns the live sessions the user participates in, oldest
// first. Expired sessions met on the way are deleted.
func (m *Manager) ListByUser(ctx context.Context, userID int64) ([]Session, error) {
	parts, err := m.participants.Select(ctx, database.Condition{"user_id": userID},
		&database.QueryOptions{OrderBy: "joined_at"})
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	var live []Session
	for _, p := range parts {
		s, err := m.Get(ctx, p.SessionID, true)
		if err != nil {
			return nil, err
		}
		if s != nil {
			live = append(live, *s)
		}
	}
	return live, nil
}

// Delete removes the session together with its participants and variables.
// It reports whether a session was removed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	n, err := m.sessions.Delete(ctx, database.Condition{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return n > 0, nil
}

// End deletes the session on behalf of userID, who must be its owner.
func (m *Manager) End(ctx context.Context, id string, userID int64) error {
	s, err := m.Get(ctx, id, true)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrSessionNotFound
	}
	owner, err := m.participants.Exists(ctx, database.Condition{
		"session_id": id, "user_id": userID, "role": string(RoleOwner),
	})
	if err != nil {
		return err
	}
	if !owner {
		return ErrNotBelongToUser
	}
	_, err = m.Delete(ctx, id)
	return err
}

// Touch refreshes the session's activity time and, when userID is a
// participant, theirs too.
func (m *Manager) Touch(ctx context.Context, id string, userID int64) error {
	now := m.now()
	updated, err := m.sessions.Update(ctx, database.Row{"last_active": now}, database.Condition{"id": id})
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if len(updated) == 0 {
		return ErrSessionNotFound
	}
	if userID != 0 {
		_, err = m.participants.Update(ctx, database.Row{"last_active": now},
			database.Condition{"session_id": id, "user_id": userID})
		if err != nil {
			return fmt.Errorf("touch participant: %w", err)
		}
	}
	return nil
}

// Join adds a user to a live session, or changes their role if present.
func (m *Manager) Join(ctx context.Context, id string, userID int64, role ParticipantRole) (*Participant, error) {
	if role == "" {
		role = RoleMember
	}
	s, err := m.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	now := m.now()
	cond := database.Condition{"session_id": id, "user_id": userID}
	existing, err := m.participants.Get(ctx, cond)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return m.participants.InsertOrGet(ctx, participantSchema.ToRow(Participant{
			SessionID:  id,
			UserID:     userID,
			Role:       role,
			JoinedAt:   now,
			LastActive: now,
		}), cond)
	}
	if existing.Role == RoleOwner {
		return existing, nil
	}
	updated, err := m.participants.Update(ctx, database.Row{"role": string(role), "last_active": now}, cond)
	if err != nil || len(updated) == 0 {
		return existing, err
	}
	return &updated[0], nil
}

// Leave removes a participant. The owner cannot leave; they end the session.
func (m *Manager) Leave(ctx context.Context, id string, userID int64) error {
	p, err := m.participants.Get(ctx, database.Condition{"session_id": id, "user_id": userID})
	if err != nil {
		return err
	}
	if p == nil {
		return ErrNotBelongToUser
	}
	if p.Role == RoleOwner {
		return fmt.Errorf("owner cannot leave session %s: %w", id, ErrNotBelongToUser)
	}
	_, err = m.participants.Delete(ctx, database.Condition{"session_id": id, "user_id": userID})
	return err
}

// Participants lists the session's participants in join order.
func (m *Manager) Participants(ctx context.Context, id string) ([]Participant, error) {
	return m.participants.Select(ctx, database.Condition{"session_id": id},
		&database.QueryOptions{OrderBy: "joined_at"})
}

// PurgeExpired deletes every session whose TTL has elapsed and returns how
// many were removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	candidates, err := m.sessions.Select(ctx, database.Condition{"ttl": database.Gt(0)}, nil)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	now := m.now()
	purged := 0
	for i := range candidates {
		if !candidates[i].Expired(now) {
			continue
		}
		removed, err := m.Delete(ctx, candidates[i].ID)
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}
	if purged > 0 {
		m.logger.Info("expired sessions purged", "count", purged)
	}
	return purged, nil
}

// ---------- Variables ----------

// GetVariable returns the decoded value stored under key, or nil.
func (m *Manager) GetVariable(ctx context.Context, id, key string) (any, error) {
	v, err := m.variables.Get(ctx, database.Condition{"session_id": id, "key": key})
	if err != nil {
		return nil, fmt.Errorf("get variable %s: %w", key, err)
	}
	if v == nil {
		return nil, nil
	}
	return v.Value, nil
}

// GetVariableInto decodes the value stored under key into dst. It reports
// whether the key was present.
func (m *Manager) GetVariableInto(ctx context.Context, id, key string, dst any) (bool, error) {
	v, err := m.variables.Get(ctx, database.Condition{"session_id": id, "key": key})
	if err != nil {
		return false, fmt.Errorf("get variable %s: %w", key, err)
	}
	if v == nil {
		return false, nil
	}
	data, err := json.Marshal(v.Value)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode variable %s: %w", key, err)
	}
	return true, nil
}

// SetVariable stores value under key, replacing any previous value. The
// last write wins.
func (m *Manager) SetVariable(ctx context.Context, id, key string, value any) error {
	now := m.now()
	cond := database.Condition{"session_id": id, "key": key}

	exists, err := m.variables.Exists(ctx, cond)
	if err != nil {
		return fmt.Errorf("set variable %s: %w", key, err)
	}
	if exists {
		_, err = m.variables.Update(ctx, database.Row{"value": value, "updated_at": now}, cond)
	} else {
		_, err = m.variables.Insert(ctx, Variable{
			SessionID: id,
			Key:       key,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		}, database.ConflictReplace)
	}
	if err != nil {
		return fmt.Errorf("set variable %s: %w", key, err)
	}
	return nil
}

// DeleteVariable removes key. It reports whether it was present.
func (m *Manager) DeleteVariable(ctx context.Context, id, key string) (bool, error) {
	n, err := m.variables.Delete(ctx, database.Condition{"session_id": id, "key": key})
	return n > 0, err
}

// Variables returns every variable of the session keyed by name.
func (m *Manager) Variables(ctx context.Context, id string) (map[string]any, error) {
	vars, err := m.variables.Select(ctx, database.Condition{"session_id": id}, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		out[v.Key] = v.Value
	}
	return out, nil
}
