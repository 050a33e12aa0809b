package handlers

import (
	"errors"
	"net/http"

	"github.com/iago/health-records-back/internal/chat"
	"github.com/iago/health-records-back/internal/http/middleware"
)

// Chat answers POST /api/chat, dispatching on the "action" field.
func (api *API) Chat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	request, err := chat.Decode(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	session := middleware.GetSession(r.Context())
	if session.SessionID == "" {
		writeError(w, r, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if err := chat.Validate(request); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	response, err := api.chats.Dispatch(r.Context(), session.Cookie, request)
	if err != nil {
		var validation *chat.ValidationError
		if errors.As(err, &validation) {
			writeError(w, r, http.StatusBadRequest, validation.Message)
			return
		}
		api.writeBackendError(w, r, err, "Failed to process chat request")
		return
	}
	writeSuccess(w, http.StatusOK, response.Body)
}
