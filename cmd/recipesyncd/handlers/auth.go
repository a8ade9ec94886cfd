package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
)

// Session is the sign-in surface used by the API. *auth.Session implements it.
type Session interface {
	CurrentIdentity() *auth.Identity
	SignIn(id auth.Identity)
	SignOut()
}

// AuthHandler handles sign-in and sign-out. Identity changes start and
// stop the periodic sync loop through the scheduler's subscription.
type AuthHandler struct {
	session Session
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(session Session) *AuthHandler {
	return &AuthHandler{session: session}
}

// Register mounts the auth routes on mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/auth/session", h.GetSession)
	mux.HandleFunc("POST /api/auth/signin", h.SignIn)
	mux.HandleFunc("POST /api/auth/signout", h.SignOut)
}

// SignInRequest is the body of POST /api/auth/signin.
type SignInRequest struct {
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name,omitempty"`
}

func (h *AuthHandler) sessionBody() map[string]interface{} {
	id := h.session.CurrentIdentity()
	body := map[string]interface{}{"signed_in": id != nil}
	if id != nil {
		body["identity"] = id
	}
	return body
}

// GetSession handles GET /api/auth/session.
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionBody())
}

// SignIn handles POST /api/auth/signin
// Replaces any current identity.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var request SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "Invalid request body")
		return
	}
	request.OwnerID = strings.TrimSpace(request.OwnerID)
	if request.OwnerID == "" {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "owner_id is required")
		return
	}

	h.session.SignIn(auth.Identity{OwnerID: request.OwnerID, DisplayName: request.DisplayName})
	logging.Info("signed in", map[string]interface{}{
		"component": "api",
		"owner_id":  request.OwnerID,
	})
	writeJSON(w, http.StatusOK, h.sessionBody())
}

// SignOut handles POST /api/auth/signout. Signing out twice is not an error.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.session.SignOut()
	logging.Info("signed out", map[string]interface{}{
		"component": "api",
	})
	writeJSON(w, http.StatusOK, h.sessionBody())
}
