package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iago/health-records-back/internal/dashboard"
	"github.com/iago/health-records-back/internal/http/middleware"
)

const (
	fallbackCreateDashboard   = "Failed to create dashboard"
	fallbackDashboardNotFound = "Dashboard not found"
	fallbackFetchDashboard    = "Failed to fetch dashboard"
)

// dashboardFields are the parts of a created dashboard the client renders.
var dashboardFields = []string{
	"dashboard_id",
	"dashboard_type",
	"user_id",
	"report_id",
	"created_at",
	"topBar",
	"middleSection",
	"recommendations",
	"criticalInsights",
}

// CreateHealthDashboard answers POST /api/health.
func (api *API) CreateHealthDashboard(w http.ResponseWriter, r *http.Request) {
	var request fileIDRequest
	if _, err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	fileID := strings.TrimSpace(request.FileID)
	if fileID == "" {
		writeError(w, r, http.StatusBadRequest, messageFileIDRequired)
		return
	}

	response, err := api.backend.CreateDashboard(r.Context(), middleware.GetSession(r.Context()).Cookie, fileID)
	if err != nil {
		api.writeBackendError(w, r, err, fallbackCreateDashboard)
		return
	}
	if !response.OK() {
		writeError(w, r, response.StatusCode, response.Err(fallbackCreateDashboard).Message)
		return
	}

	var created map[string]json.RawMessage
	if err := json.Unmarshal(response.Body, &created); err != nil {
		api.writeBackendError(w, r, err, fallbackCreateDashboard)
		return
	}
	projected := map[string]json.RawMessage{"success": json.RawMessage("true")}
	for _, field := range dashboardFields {
		if value, ok := created[field]; ok {
			projected[field] = value
		}
	}
	writeJSON(w, http.StatusCreated, projected)
}

// GetHealthDashboard answers GET /api/health?file_id=.
func (api *API) GetHealthDashboard(w http.ResponseWriter, r *http.Request) {
	fileID := queryValue(r, "file_id")
	if fileID == "" {
		writeError(w, r, http.StatusBadRequest, messageFileIDRequired)
		return
	}

	response, err := api.backend.GetDashboard(r.Context(), middleware.GetSession(r.Context()).Cookie, fileID)
	if err != nil {
		api.writeBackendError(w, r, err, fallbackFetchDashboard)
		return
	}
	api.relay(w, r, response, fallbackDashboardNotFound)
}

// Dashboard answers GET /api/dashboard?file_id=&fresh=, creating the
// dashboard when the backend has none yet.
func (api *API) Dashboard(w http.ResponseWriter, r *http.Request) {
	fileID := queryValue(r, "file_id")
	if fileID == "" {
		writeError(w, r, http.StatusBadRequest, messageFileIDRequired)
		return
	}
	fresh := parseFresh(r.URL.Query())

	result, err := api.dashboards.Load(r.Context(), middleware.GetSession(r.Context()).Cookie, fileID, fresh)
	if err != nil {
		if errors.Is(err, dashboard.ErrPending) {
			w.Header().Set("Retry-After", "2")
			writeError(w, r, http.StatusServiceUnavailable, "Dashboard is still being generated. Please try again shortly.")
			return
		}
		api.writeBackendError(w, r, err, fallbackFetchDashboard)
		return
	}
	if result.Created {
		w.Header().Set("X-Dashboard-Created", "true")
	}
	writeSuccess(w, http.StatusOK, result.Body)
}

func parseFresh(query url.Values) bool {
	value := strings.TrimSpace(query.Get("fresh"))
	if value == "" {
		return false
	}
	fresh, err := strconv.ParseBool(value)
	return err == nil && fresh
}
