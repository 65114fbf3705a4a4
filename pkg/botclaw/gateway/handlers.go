package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

const version = "1.0.0"

// maxEventBody bounds POST /api/events bodies.
const maxEventBody = 1 << 20

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	g.writeJSON(w, code, errorResponse{Error: errorBody{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	resp := map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"commands": g.agent.Registry().Len(),
	}
	if g.channels != nil {
		states := make(map[string]string)
		for name, st := range g.channels.HealthAll() {
			if st.Connected {
				states[name] = "connected"
			} else {
				states[name] = "disconnected"
			}
		}
		resp["channels"] = states
	}
	if g.db != nil {
		status := g.db.Status(r.Context())
		resp["database"] = status
		if healthy, _ := status["healthy"].(bool); !healthy {
			resp["status"] = "degraded"
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleListCommands implements GET /api/commands.
func (g *Gateway) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"commands": g.agent.Registry().List()})
}

// handleSetEnabled implements POST /api/commands/{name}/enable|disable.
func (g *Gateway) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := g.agent.Registry().SetEnabled(name, enabled); err != nil {
			if errors.Is(err, agent.ErrUnknownCommand) {
				g.writeError(w, "command not found", http.StatusNotFound)
				return
			}
			g.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		g.logger.Info("command toggled", "command", name, "enabled", enabled)
		info, _ := g.agent.Registry().Get(name)
		g.writeJSON(w, http.StatusOK, info)
	}
}

// handleListSources implements GET /api/sources.
func (g *Gateway) handleListSources(w http.ResponseWriter, _ *http.Request) {
	type source struct {
		Name     string `json:"name"`
		Commands int    `json:"commands"`
	}
	names := g.agent.Sources()
	out := make([]source, len(names))
	for i, name := range names {
		out[i] = source{Name: name, Commands: g.agent.Registry().CountSource(name)}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

// handleReloadSource implements POST /api/sources/{name}/reload.
func (g *Gateway) handleReloadSource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := g.agent.ReloadByName(r.Context(), name)
	switch {
	case errors.Is(err, agent.ErrUnknownSource):
		g.writeError(w, "source not found", http.StatusNotFound)
		return
	case err != nil:
		g.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"source": name, "commands": n})
}

// handleGetSession implements GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sessions := g.agent.Sessions()
	s, err := sessions.Get(r.Context(), id, true)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s == nil {
		g.writeError(w, "session not found", http.StatusNotFound)
		return
	}
	participants, err := sessions.Participants(r.Context(), id)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	vars, err := sessions.Variables(r.Context(), id)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type participant struct {
		UserID     int64     `json:"user_id"`
		Role       string    `json:"role"`
		JoinedAt   time.Time `json:"joined_at"`
		LastActive time.Time `json:"last_active"`
	}
	ps := make([]participant, len(participants))
	for i, p := range participants {
		ps[i] = participant{UserID: p.UserID, Role: string(p.Role), JoinedAt: p.JoinedAt, LastActive: p.LastActive}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"id":           s.ID,
		"topic":        s.Topic,
		"created_by":   s.CreatedBy,
		"scope_id":     s.ScopeID,
		"ttl_ms":       s.TTL.Milliseconds(),
		"created_at":   s.CreatedAt,
		"last_active":  s.LastActive,
		"participants": ps,
		"variables":    vars,
	})
}

// handleDeleteSession implements DELETE /api/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	deleted, err := g.agent.Sessions().Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !deleted {
		g.writeError(w, "session not found", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func participantUser(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	return id, err == nil && id > 0
}

// handleJoinSession implements PUT /api/sessions/{id}/participants/{user}.
// The optional body {"role": "member"|"moderator"} sets the role; the owner
// keeps theirs.
func (g *Gateway) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := participantUser(r)
	if !ok {
		g.writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}
	var body struct {
		Role session.ParticipantRole `json:"role"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&body); err != nil {
			g.writeError(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	switch body.Role {
	case "", session.RoleMember, session.RoleModerator:
	default:
		g.writeError(w, "role must be member or moderator", http.StatusBadRequest)
		return
	}

	p, err := g.agent.Sessions().Join(r.Context(), r.PathValue("id"), userID, body.Role)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		g.writeError(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"user_id": p.UserID, "role": p.Role, "joined_at": p.JoinedAt})
}

// handleLeaveSession implements DELETE /api/sessions/{id}/participants/{user}.
func (g *Gateway) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := participantUser(r)
	if !ok {
		g.writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}
	err := g.agent.Sessions().Leave(r.Context(), r.PathValue("id"), userID)
	switch {
	case errors.Is(err, session.ErrNotBelongToUser):
		g.writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// handleEvent implements POST /api/events. Events on the http channel are
// dispatched synchronously and their replies returned; events for a
// registered channel are answered through that channel.
func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev channels.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err := dec.Decode(&ev); err != nil {
		g.writeError(w, "invalid event: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch ev.PostType {
	case "":
		ev.PostType = channels.PostMessage
	case channels.PostMessage, channels.PostNotice:
	default:
		g.writeError(w, "unknown post_type", http.StatusBadRequest)
		return
	}
	if ev.Channel == "" {
		ev.Channel = HTTPChannel
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if ev.Channel == HTTPChannel {
		rec := &channels.Recorder{}
		if err := g.agent.DispatchWith(r.Context(), &ev, rec); err != nil {
			g.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		replies := rec.Sent()
		if replies == nil {
			replies = []channels.Sent{}
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
		return
	}

	if g.channels == nil {
		g.writeError(w, "unknown channel", http.StatusBadRequest)
		return
	}
	if _, ok := g.channels.Channel(ev.Channel); !ok {
		g.writeError(w, "unknown channel", http.StatusBadRequest)
		return
	}
	if err := g.agent.DispatchWith(r.Context(), &ev, g.channels); err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}
