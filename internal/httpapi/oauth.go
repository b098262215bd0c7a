package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starbase-chat/mcpbridge/internal/contracts"
	"github.com/starbase-chat/mcpbridge/internal/oauth"
	"github.com/starbase-chat/mcpbridge/internal/storage"
)

const brokerStateCookie = "mcpbridge_broker_state"

func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	serverURL := r.URL.Query().Get("server_url")
	if serverURL == "" {
		s.writeError(w, http.StatusBadRequest, "server_url is required")
		return
	}

	reg, err := s.store.GetActiveRegistration(owner, serverURL)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no active registration")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load registration")
		return
	}

	// The client secret never leaves the store through this endpoint.
	s.writeSuccess(w, map[string]interface{}{
		"id":                reg.ID,
		"server_url":        reg.ServerURL,
		"client_id":         reg.ClientID,
		"has_client_secret": reg.ClientSecret != "",
		"created_at":        reg.CreatedAt,
	})
}

func (s *Server) handleSaveRegistration(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req contracts.SaveRegistrationRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ServerURL == "" || req.ClientID == "" {
		s.writeError(w, http.StatusBadRequest, "server_url and client_id are required")
		return
	}

	reg, err := s.store.CreateRegistration(owner, req.ServerURL, "", req.ClientID, req.ClientSecret)
	if err != nil {
		s.logger.Errorw("Failed to save registration", "server_url", req.ServerURL, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save registration")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": reg.ID})
}

func (s *Server) handleBeginOAuth(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req contracts.BeginOAuthRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ServerURL == "" {
		s.writeError(w, http.StatusBadRequest, "server_url is required")
		return
	}

	flow, err := s.flows.Begin(r.Context(), oauth.BeginRequest{
		Owner:              owner,
		ServerURL:          req.ServerURL,
		ServerName:         req.ServerName,
		Transport:          req.Transport,
		DiscoveryURL:       req.DiscoveryURL,
		Scope:              req.Scope,
		ManualClientID:     req.ClientID,
		ManualClientSecret: req.ClientSecret,
	})
	if errors.Is(err, oauth.ErrManualCredentialsRequired) {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "manual_credentials_required",
		})
		return
	}
	if err != nil {
		s.logger.Warnw("Failed to begin authorization flow", "server_url", req.ServerURL, "error", err)
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("authorization setup failed: %v", err))
		return
	}
	s.writeSuccess(w, flow)
}

func (s *Server) handleWaitOAuth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}

	result, err := s.flows.Wait(r.Context(), chi.URLParam(r, "state"))
	if errors.Is(err, oauth.ErrFlowNotFound) {
		s.writeError(w, http.StatusNotFound, "no such flow")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusRequestTimeout, "wait aborted")
		return
	}
	if result.Err != nil {
		s.writeError(w, http.StatusBadGateway, result.Err.Error())
		return
	}
	s.writeSuccess(w, map[string]interface{}{"connection_id": result.ConnectionID})
}

func (s *Server) handleCancelOAuth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.owner(w, r); !ok {
		return
	}
	s.flows.Cancel(chi.URLParam(r, "state"))
	s.writeSuccess(w, nil)
}

// callbackPage hands the flow outcome back to the opener window and closes
// the popup.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorization</title></head>
<body>
<p>{{if .Success}}Authorization complete. You can close this window.{{else}}Authorization failed: {{.Error}}{{end}}</p>
<script>
if (window.opener) {
  window.opener.postMessage({
    type: "oauth_result",
    success: {{.Success}},
    connectionId: {{.ConnectionID}},
    error: {{.Error}}
  }, "*");
}
window.close();
</script>
</body>
</html>`))

type callbackView struct {
	Success      bool
	ConnectionID string
	Error        string
}

func (s *Server) renderCallback(w http.ResponseWriter, view callbackView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPage.Execute(w, view); err != nil {
		s.logger.Errorw("Failed to render callback page", "error", err)
	}
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	if state == "" {
		s.renderCallback(w, callbackView{Error: "missing state"})
		return
	}

	if errCode := query.Get("error"); errCode != "" {
		reason := query.Get("error_description")
		if reason == "" {
			reason = errCode
		}
		if err := s.flows.Fail(state, reason); err != nil {
			s.logger.Warnw("Callback for unknown flow", "error", err)
		}
		s.renderCallback(w, callbackView{Error: reason})
		return
	}

	code := query.Get("code")
	if code == "" {
		s.renderCallback(w, callbackView{Error: "missing authorization code"})
		return
	}

	result, err := s.flows.Complete(r.Context(), state, code)
	if err != nil {
		s.renderCallback(w, callbackView{Error: "unknown or expired flow"})
		return
	}
	if result.Err != nil {
		s.renderCallback(w, callbackView{Error: result.Err.Error()})
		return
	}
	s.renderCallback(w, callbackView{Success: true, ConnectionID: result.ConnectionID})
}

func (s *Server) handleBrokerAuthorize(w http.ResponseWriter, r *http.Request) {
	state, err := oauth.GenerateState()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     brokerStateCookie,
		Value:    state,
		Path:     "/broker",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.broker.AuthorizeURL(state), http.StatusFound)
}

var brokerPage = template.Must(template.New("broker").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<p>{{if .Error}}Sign-in failed: {{.Error}}{{else}}Signed in. You can close this window.{{end}}</p>
<script>
if (window.opener) {
  window.opener.postMessage({
    type: "broker_result",
    success: {{not .Error}},
    user: {{.UserJSON}},
    accessToken: {{.AccessToken}},
    error: {{.Error}}
  }, "*");
}
window.close();
</script>
</body>
</html>`))

type brokerView struct {
	UserJSON    template.JS
	AccessToken string
	Error       string
}

func (s *Server) renderBrokerPage(w http.ResponseWriter, view brokerView) {
	if view.UserJSON == "" {
		view.UserJSON = "null"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := brokerPage.Execute(w, view); err != nil {
		s.logger.Errorw("Failed to render broker page", "error", err)
	}
}

func (s *Server) handleBrokerCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		s.renderBrokerPage(w, brokerView{Error: errCode})
		return
	}

	cookie, err := r.Cookie(brokerStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != query.Get("state") {
		s.renderBrokerPage(w, brokerView{Error: "state mismatch"})
		return
	}
	// One-shot state.
	http.SetCookie(w, &http.Cookie{Name: brokerStateCookie, Path: "/broker", MaxAge: -1})

	code := query.Get("code")
	if code == "" {
		s.renderBrokerPage(w, brokerView{Error: "missing authorization code"})
		return
	}

	user, token, err := s.broker.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warnw("Broker exchange failed", "error", err)
		s.renderBrokerPage(w, brokerView{Error: "token exchange failed"})
		return
	}

	userJSON, err := userToJS(user)
	if err != nil {
		s.renderBrokerPage(w, brokerView{Error: "failed to encode user"})
		return
	}
	s.renderBrokerPage(w, brokerView{UserJSON: userJSON, AccessToken: token.AccessToken})
}

func userToJS(user *oauth.BrokerUser) (template.JS, error) {
	data, err := json.Marshal(user)
	if err != nil {
		return "", err
	}
	return template.JS(data), nil
}
