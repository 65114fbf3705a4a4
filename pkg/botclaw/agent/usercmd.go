package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/database"
)

// UserCommandSource is the module source name of user-authored commands.
const UserCommandSource = "user_command"

// Errors returned by UserCommands.
var (
	ErrUserCommandExists   = errors.New("user command name already taken")
	ErrUserCommandNotFound = errors.New("user command not found")
)

// Migrations returns the user command schema.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version: 3,
			Name:    "user_command",
			Statements: []string{
				`CREATE TABLE user_command (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					name       TEXT NOT NULL UNIQUE,
					pattern    TEXT NOT NULL DEFAULT '',
					content    TEXT NOT NULL,
					created_by INTEGER NOT NULL REFERENCES auth_user(id) ON DELETE CASCADE,
					enabled    INTEGER NOT NULL DEFAULT 1,
					revision   TEXT NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_user_command_created_by ON user_command(created_by)`,
			},
		},
	}
}

// UserCommand is a reply template authored by a chat user.
type UserCommand struct {
	ID        int64
	Name      string
	Pattern   string
	Content   string
	CreatedBy int64
	Enabled   bool
	Revision  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

var userCommandSchema = database.Schema[UserCommand]{
	Table: "user_command",
	Fields: map[string]database.Transform{
		"id":         database.IDOr(nil),
		"enabled":    database.Bool,
		"created_at": database.Time,
		"updated_at": database.Time,
	},
	ToRow: func(u UserCommand) database.Row {
		return database.Row{
			"id":         u.ID,
			"name":       u.Name,
			"pattern":    u.Pattern,
			"content":    u.Content,
			"created_by": u.CreatedBy,
			"enabled":    u.Enabled,
			"revision":   u.Revision,
			"created_at": u.CreatedAt,
			"updated_at": u.UpdatedAt,
		}
	},
	FromRow: func(r database.Row) (UserCommand, error) {
		return UserCommand{
			ID:        r.Int64("id"),
			Name:      r.String("name"),
			Pattern:   r.String("pattern"),
			Content:   r.String("content"),
			CreatedBy: r.Int64("created_by"),
			Enabled:   r.Bool("enabled"),
			Revision:  r.String("revision"),
			CreatedAt: r.Time("created_at"),
			UpdatedAt: r.Time("updated_at"),
		}, nil
	},
}

// UserCommands stores user-authored commands.
type UserCommands struct {
	repo *database.Repository[UserCommand]
	now  func() time.Time
}

// NewUserCommands binds the store to db.
func NewUserCommands(db *database.DB) *UserCommands {
	return &UserCommands{
		repo: database.NewRepository(db.Store, userCommandSchema),
		now:  time.Now,
	}
}

// ValidateUserCommand checks that name, pattern and content would load.
func ValidateUserCommand(name, pattern, content string) error {
	if _, err := CompileTemplate(name, content); err != nil {
		return err
	}
	_, err := compile(Command{
		Name:    name,
		Pattern: pattern,
		Handler: func(*Context, *Match) error { return nil },
	}, UserCommandSource, nil)
	return err
}

// Create stores a new enabled command.
func (u *UserCommands) Create(ctx context.Context, name, pattern, content string, createdBy int64) (*UserCommand, error) {
	if err := ValidateUserCommand(name, pattern, content); err != nil {
		return nil, err
	}
	now := u.now()
	cmd, err := u.repo.Insert(ctx, UserCommand{
		Name:      name,
		Pattern:   pattern,
		Content:   content,
		CreatedBy: createdBy,
		Enabled:   true,
		Revision:  uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}, database.ConflictIgnore)
	if err != nil {
		return nil, fmt.Errorf("create user command: %w", err)
	}
	if cmd == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrUserCommandExists)
	}
	return cmd, nil
}

// Edit replaces a command's definition and re-enables it.
func (u *UserCommands) Edit(ctx context.Context, id int64, name, pattern, content string) (*UserCommand, error) {
	if err := ValidateUserCommand(name, pattern, content); err != nil {
		return nil, err
	}
	if taken, err := u.repo.Get(ctx, database.Condition{"name": name, "id": database.Ne(id)}); err != nil {
		return nil, err
	} else if taken != nil {
		return nil, fmt.Errorf("%q: %w", name, ErrUserCommandExists)
	}
	return u.update(ctx, id, database.Row{
		"name":    name,
		"pattern": pattern,
		"content": content,
		"enabled": true,
	})
}

// SetEnabled toggles a command.
func (u *UserCommands) SetEnabled(ctx context.Context, id int64, enabled bool) (*UserCommand, error) {
	return u.update(ctx, id, database.Row{"enabled": enabled})
}

func (u *UserCommands) update(ctx context.Context, id int64, data database.Row) (*UserCommand, error) {
	data["revision"] = uuid.NewString()
	data["updated_at"] = u.now()
	rows, err := u.repo.Update(ctx, data, database.Condition{"id": id})
	if err != nil {
		return nil, fmt.Errorf("update user command %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%d: %w", id, ErrUserCommandNotFound)
	}
	return &rows[0], nil
}

// Get returns a command by id.
func (u *UserCommands) Get(ctx context.Context, id int64) (*UserCommand, error) {
	cmd, err := u.repo.Get(ctx, database.Condition{"id": id})
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("%d: %w", id, ErrUserCommandNotFound)
	}
	return cmd, nil
}

// ListByUser returns the commands a user authored, by id.
func (u *UserCommands) ListByUser(ctx context.Context, userID int64) ([]UserCommand, error) {
	return u.repo.Select(ctx, database.Condition{"created_by": userID}, &database.QueryOptions{OrderBy: "id"})
}

// Enabled returns every enabled command, by id.
func (u *UserCommands) Enabled(ctx context.Context) ([]UserCommand, error) {
	return u.repo.Select(ctx, database.Condition{"enabled": true}, &database.QueryOptions{OrderBy: "id"})
}

// StoreSource loads the enabled user commands. They answer to the default
// symbol, require chat, and reply with their rendered template.
type StoreSource struct {
	Store *UserCommands

	// Taken reports names owned by other sources; such commands are not
	// loaded so they cannot shadow built-in commands.
	Taken func(name string) bool
}

// Name returns UserCommandSource.
func (s *StoreSource) Name() string { return UserCommandSource }

// Commands builds one command per enabled row.
func (s *StoreSource) Commands(ctx context.Context) ([]Command, error) {
	rows, err := s.Store.Enabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list user commands: %w", err)
	}
	cmds := make([]Command, 0, len(rows))
	for _, row := range rows {
		cmd := Command{
			Event:       channels.PostMessage,
			Name:        row.Name,
			Pattern:     row.Pattern,
			Permission:  auth.Require(auth.PermChat),
			Description: fmt.Sprintf("user command #%d", row.ID),
		}
		if s.Taken != nil && s.Taken(row.Name) {
			cmd.loadErr = fmt.Errorf("name is used by another module")
		} else if tmpl, err := CompileTemplate(row.Name, row.Content); err != nil {
			cmd.loadErr = err
		} else {
			cmd.Handler = TemplateHandler(tmpl)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// TakenByOtherSource reports whether name is the name or an alias of a
// command registered by a source other than the user command source.
func (a *Agent) TakenByOtherSource(name string) bool {
	for _, e := range a.registry.snapshot() {
		if e.source != UserCommandSource && e.answersTo(name) {
			return true
		}
	}
	return false
}
