package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

type updateRequest struct {
	UserID *int64          `json:"user_id"`
	Token  string          `json:"token"`
	Auth   string          `json:"auth"`
	Patch  json.RawMessage `json:"patch"`
}

type saveRequest struct {
	UserID   *int64          `json:"user_id"`
	Token    string          `json:"token"`
	JSONData json.RawMessage `json:"json_data"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleRealtimeUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Patch) == 0 {
		s.writeError(w, r, badRequest("Missing required fields"))
		return
	}

	// The patch is checked before the auth form can reach the user table.
	var id state.UserID
	if req.UserID != nil {
		id = state.UserID(*req.UserID)
	}
	patch, err := jsondoc.DecodeBytes(req.Patch)
	if err == nil {
		err = jsondoc.CheckPatch(patch)
	}
	if err != nil {
		s.writeError(w, r, state.NewInvalidPatch(id, err))
		return
	}

	ac, err := s.authContext(r, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	version, err := s.core.Update(r.Context(), ac, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "realtime updated",
		"version": version,
	})
}

// authContext accepts either the compact auth field or user_id plus token.
func (s *Server) authContext(r *http.Request, req updateRequest) (state.AuthContext, error) {
	if req.Auth != "" {
		if s.users == nil {
			return state.AuthContext{}, badRequest("auth field is not supported; send user_id and token")
		}
		return auth.ResolveBasic(r.Context(), s.users, req.Auth)
	}
	if req.UserID == nil || req.Token == "" {
		return state.AuthContext{}, badRequest("Missing required fields")
	}
	if *req.UserID <= 0 {
		return state.AuthContext{}, badRequest("user_id must be positive")
	}
	return state.AuthContext{UserID: state.UserID(*req.UserID), Token: req.Token}, nil
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == nil || req.Token == "" {
		s.writeError(w, r, badRequest("Missing required fields"))
		return
	}
	if *req.UserID <= 0 {
		s.writeError(w, r, badRequest("user_id must be positive"))
		return
	}
	ac := state.AuthContext{UserID: state.UserID(*req.UserID), Token: req.Token}

	var fallback jsondoc.Document
	if raw := bytes.TrimSpace(req.JSONData); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		doc, err := jsondoc.DecodeBytes(raw)
		if err != nil {
			s.writeError(w, r, state.NewInvalidPatch(ac.UserID, err))
			return
		}
		fallback = doc
	}

	res, err := s.core.Save(r.Context(), ac, fallback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":       "success",
		"message":      "Game statement saved",
		"statement_id": res.StatementID,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view, err := s.core.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var stmtID any
	if view.StatementID != nil {
		stmtID = *view.StatementID
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":       "success",
		"source":       view.Source.WireName(),
		"statement_id": stmtID,
		"user_id":      int64(view.UserID),
		"json_data":    view.Data,
	})
}

func (s *Server) handleAdminFlush(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.core.ForceFlush(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "admin flush",
		"request_id", requestIDFrom(r.Context()),
		"user_id", int64(id),
		"statement_id", res.StatementID,
		"written", res.Written,
	)
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":       "success",
		"statement_id": res.StatementID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := s.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, s.historyLimit)
	}

	stmts, err := s.history.ListStatements(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, state.NewStoreUnavailable(id, "list statements", err))
		return
	}

	items := make([]any, 0, len(stmts))
	for _, st := range stmts {
		items = append(items, map[string]any{
			"statement_id": st.ID,
			"created_at":   st.CreatedAt.UTC().Format(time.RFC3339),
			"json_data":    st.Data,
		})
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":     "success",
		"user_id":    int64(id),
		"statements": items,
	})
}

func pathUserID(r *http.Request) (state.UserID, error) {
	id, err := state.ParseUserID(r.PathValue("user_id"))
	if err != nil {
		return 0, badRequest("user_id must be a positive integer")
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return badRequest("request body too large")
		}
		return badRequest("request body must be a JSON object")
	}
	return nil
}
