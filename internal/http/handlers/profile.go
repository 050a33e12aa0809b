package handlers

import (
	"net/http"
	"strings"

	"github.com/iago/health-records-back/internal/backend"
	"github.com/iago/health-records-back/internal/http/middleware"
	"github.com/nyaruka/phonenumbers"
)

const messageInvalidPhone = "Please enter a valid phone number"

var phoneFields = []string{"phone", "phone_number", "emergency_contact_phone"}

func (api *API) Profile(w http.ResponseWriter, r *http.Request) {
	api.userInfo(w, r, "profile_info", "/auth/profile-info", "Failed to load profile", "Failed to update profile")
}

func (api *API) HealthInfo(w http.ResponseWriter, r *http.Request) {
	api.userInfo(w, r, "health_info", "/auth/health-info", "Failed to load health info", "Failed to update health info")
}

func (api *API) userInfo(w http.ResponseWriter, r *http.Request, endpoint, path, readFallback, writeFallback string) {
	request := backend.Request{
		Endpoint: endpoint,
		Method:   r.Method,
		Path:     path,
		Cookie:   middleware.GetSession(r.Context()).Cookie,
	}
	fallback := readFallback

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var fields map[string]any
		body, err := decodeJSON(w, r, &fields)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if !api.validPhones(fields) {
			writeError(w, r, http.StatusBadRequest, messageInvalidPhone)
			return
		}
		request.ContentType = "application/json"
		request.Body = body
		fallback = writeFallback
	default:
		methodNotAllowed(w, r)
		return
	}

	response, err := api.backend.Do(r.Context(), request)
	if err != nil {
		api.writeBackendError(w, r, err, fallback)
		return
	}
	api.relay(w, r, response, fallback)
}

// validPhones checks every non-empty phone field against the configured
// default region. Numbers in international format parse in any region.
func (api *API) validPhones(fields map[string]any) bool {
	for _, key := range phoneFields {
		value, ok := fields[key].(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		number, err := phonenumbers.Parse(value, api.phoneRegion)
		if err != nil || !phonenumbers.IsValidNumber(number) {
			return false
		}
	}
	return true
}
