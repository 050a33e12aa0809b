package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/http/middleware"
)

const minPasswordLength = 8

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (api *API) Login(w http.ResponseWriter, r *http.Request) {
	var request credentials
	body, err := decodeJSON(w, r, &request)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(request.Email) == "" || request.Password == "" {
		writeError(w, r, http.StatusBadRequest, "Email and password are required")
		return
	}

	api.forwardAuth(w, r, "auth_login", "/auth/login", body, "Login failed")
}

func (api *API) Register(w http.ResponseWriter, r *http.Request) {
	var request credentials
	body, err := decodeJSON(w, r, &request)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(request.Email) == "" || request.Password == "" {
		writeError(w, r, http.StatusBadRequest, "Email and password are required")
		return
	}
	if utf8.RuneCountInString(request.Password) < minPasswordLength {
		writeError(w, r, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	api.forwardAuth(w, r, "auth_register", "/auth/register", body, "Registration failed")
}

func (api *API) Logout(w http.ResponseWriter, r *http.Request) {
	api.forwardAuth(w, r, "auth_logout", "/auth/logout", nil, "Logout failed")
}

// forwardAuth relays an auth call including the cookies the backend sets.
func (api *API) forwardAuth(w http.ResponseWriter, r *http.Request, endpoint, path string, body []byte, fallback string) {
	request := backend.Request{
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Path:     path,
		Cookie:   middleware.GetSession(r.Context()).Cookie,
	}
	if body != nil {
		request.ContentType = "application/json"
		request.Body = body
	}

	response, err := api.backend.Do(r.Context(), request)
	if err != nil {
		api.writeBackendError(w, r, err, fallback)
		return
	}
	relaySetCookie(w, response)
	api.relay(w, r, response, fallback)
}

func (api *API) Me(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	if !session.Authenticated() {
		writeError(w, r, http.StatusUnauthorized, "Not authenticated")
		return
	}

	response, err := api.backend.Do(r.Context(), backend.Request{
		Endpoint: "auth_me",
		Method:   http.MethodGet,
		Path:     "/auth/me",
		Cookie:   session.Cookie,
	})
	if err != nil {
		api.writeBackendError(w, r, err, "Internal server error")
		return
	}
	if !response.OK() {
		writeError(w, r, http.StatusUnauthorized, "Session expired or invalid")
		return
	}
	writeSuccess(w, http.StatusOK, response.Body)
}
