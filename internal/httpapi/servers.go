package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starbase-chat/mcpbridge/internal/contracts"
	"github.com/starbase-chat/mcpbridge/internal/storage"
	"github.com/starbase-chat/mcpbridge/internal/upstream"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}
	s.writeSuccess(w, map[string]interface{}{"servers": s.connections.List()})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	conn, err := s.connections.Get(chi.URLParam(r, "id"))
	if errors.Is(err, upstream.ErrUnknownServer) {
		s.writeError(w, http.StatusNotFound, "unknown server")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load server")
		return
	}
	s.writeSuccess(w, conn)
}

func (s *Server) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req contracts.ConnectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	headers := req.AuthHeaders
	if len(headers) == 0 && req.ConnectionID != "" {
		stored, err := s.store.GetConnection(req.ConnectionID, owner)
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to load connection")
			return
		}
		headers = authHeadersFor(stored)
	}

	conn, err := s.connections.Connect(r.Context(), upstream.ServerDescriptor{
		ID:          chi.URLParam(r, "id"),
		DisplayName: req.Name,
		URL:         req.URL,
		Transport:   req.Transport,
	}, headers)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeSuccess(w, conn)
}

// authHeadersFor turns a stored credential into the header set the
// transport sends with every request.
func authHeadersFor(conn *storage.DecryptedConnection) map[string]string {
	switch conn.AuthType {
	case storage.AuthTypeOAuth:
		if conn.OAuth == nil || conn.OAuth.AccessToken == "" {
			return nil
		}
		return map[string]string{"Authorization": "Bearer " + conn.OAuth.AccessToken}
	case storage.AuthTypeCustomHeaders:
		return conn.Headers
	}
	return nil
}

func (s *Server) handleDisconnectServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}
	s.connections.Disconnect(chi.URLParam(r, "id"))
	s.writeSuccess(w, nil)
}

func (s *Server) handleRefreshServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	conn, err := s.connections.RefreshCapabilities(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, upstream.ErrNotConnected) {
		s.writeError(w, http.StatusConflict, "server is not connected")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	s.writeSuccess(w, conn)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	var req contracts.CallToolRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	result, err := s.connections.CallTool(r.Context(), chi.URLParam(r, "id"), req.Tool, req.Arguments)
	if errors.Is(err, upstream.ErrNotConnected) {
		s.writeError(w, http.StatusConflict, "server is not connected")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeSuccess(w, result)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	var req contracts.ReadResourceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.URI == "" {
		s.writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	result, err := s.connections.ReadResource(r.Context(), chi.URLParam(r, "id"), req.URI)
	if errors.Is(err, upstream.ErrNotConnected) {
		s.writeError(w, http.StatusConflict, "server is not connected")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeSuccess(w, result)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	var req contracts.GetPromptRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	result, err := s.connections.GetPrompt(r.Context(), chi.URLParam(r, "id"), req.Name, req.Arguments)
	if errors.Is(err, upstream.ErrNotConnected) {
		s.writeError(w, http.StatusConflict, "server is not connected")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeSuccess(w, result)
}
