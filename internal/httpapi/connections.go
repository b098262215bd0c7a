package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starbase-chat/mcpbridge/internal/contracts"
	"github.com/starbase-chat/mcpbridge/internal/identity"
	"github.com/starbase-chat/mcpbridge/internal/storage"
)

func (s *Server) owner(w http.ResponseWriter, r *http.Request) (storage.Owner, bool) {
	owner, ok := identity.OwnerFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "no session")
		return storage.Owner{}, false
	}
	return owner, true
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	summaries, err := s.store.ListActiveConnections(owner)
	if err != nil {
		s.logger.Errorw("Failed to list connections", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"connections": summaries})
}

func (s *Server) handleSaveConnection(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req contracts.SaveConnectionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ServerURL == "" {
		s.writeError(w, http.StatusBadRequest, "server_url is required")
		return
	}

	var record *storage.ConnectionRecord
	var err error
	switch storage.AuthType(req.AuthType) {
	case storage.AuthTypeOAuth:
		if req.AccessToken == "" {
			s.writeError(w, http.StatusBadRequest, "access_token is required for oauth connections")
			return
		}
		record, err = s.store.SaveOAuthConnection(req.ServerURL, req.ServerName, req.AccessToken, req.RefreshToken, owner, req.Transport)
	case storage.AuthTypeCustomHeaders:
		if len(req.CustomHeaders) == 0 {
			s.writeError(w, http.StatusBadRequest, "custom_headers are required for custom_headers connections")
			return
		}
		record, err = s.store.SaveCustomHeadersConnection(req.ServerURL, req.ServerName, req.CustomHeaders, owner, req.Transport)
	default:
		s.writeError(w, http.StatusBadRequest, "auth_type must be oauth or custom_headers")
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to save connection", "server_url", req.ServerURL, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save connection")
		return
	}

	if req.DisplayName != nil {
		if err := s.store.UpdateDisplayName(record.ID, owner, req.DisplayName); err != nil {
			s.logger.Warnw("Failed to set display name", "id", record.ID, "error", err)
		}
	}

	s.writeSuccess(w, map[string]interface{}{
		"id":         record.ID,
		"server_url": record.ServerURL,
	})
}

// connectionResponse is the decrypted credential returned to its owner.
type connectionResponse struct {
	ID          string            `json:"id"`
	ServerURL   string            `json:"server_url"`
	ServerName  string            `json:"server_name"`
	DisplayName string            `json:"display_name,omitempty"`
	AuthType    storage.AuthType  `json:"auth_type"`
	Transport   string            `json:"transport,omitempty"`
	AccessToken string            `json:"access_token,omitempty"`
	RefreshTok  string            `json:"refresh_token,omitempty"`
	Headers     map[string]string `json:"custom_headers,omitempty"`
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	conn, err := s.store.GetConnection(chi.URLParam(r, "id"), owner)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to load connection", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}

	resp := connectionResponse{
		ID:          conn.ID,
		ServerURL:   conn.ServerURL,
		ServerName:  conn.ServerName,
		DisplayName: conn.DisplayName,
		AuthType:    conn.AuthType,
		Transport:   conn.Transport,
		Headers:     conn.Headers,
	}
	if conn.OAuth != nil {
		resp.AccessToken = conn.OAuth.AccessToken
		resp.RefreshTok = conn.OAuth.RefreshToken
	}
	s.writeSuccess(w, resp)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req contracts.UpdateConnectionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	err := s.store.UpdateDisplayName(chi.URLParam(r, "id"), owner, req.DisplayName)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update connection")
		return
	}
	s.writeSuccess(w, nil)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	err := s.store.DeleteConnection(chi.URLParam(r, "id"), owner)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}
	s.writeSuccess(w, nil)
}

func (s *Server) handleCleanupConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	expired, err := s.store.CleanupOldConnections()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	report, err := s.store.CleanupCorruptedConnections()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	registrations, err := s.store.CleanupExpiredRegistrations()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	s.writeSuccess(w, map[string]interface{}{
		"expired_connections":   expired,
		"corrupted_connections": report.Corrupted,
		"valid_connections":     report.Valid,
		"expired_registrations": registrations,
	})
}

func (s *Server) handleMigrateConnections(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	if owner.UserID == "" {
		s.writeError(w, http.StatusForbidden, "migration requires an authenticated user")
		return
	}

	var req contracts.MigrateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AnonymousSessionID == "" {
		s.writeError(w, http.StatusBadRequest, "anonymous_session_id is required")
		return
	}

	moved, err := s.store.MigrateOwner(req.AnonymousSessionID, owner.UserID)
	if err != nil {
		s.logger.Errorw("Migration failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "migration failed")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"migrated": moved})
}
