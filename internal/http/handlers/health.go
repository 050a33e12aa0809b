package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type trendValue struct {
	Current any    `json:"current"`
	Trend   string `json:"trend"`
}

type bloodPressure struct {
	Systolic  int `json:"systolic"`
	Diastolic int `json:"diastolic"`
}

// HealthMetrics serves the demo vitals shown on the overview page. There
// is no backend endpoint for them yet.
func (api *API) HealthMetrics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"metrics": map[string]any{
				"bloodPressure": trendValue{Current: bloodPressure{Systolic: 120, Diastolic: 80}, Trend: "stable"},
				"heartRate":     trendValue{Current: 72, Trend: "down"},
				"cholesterol":   trendValue{Current: 208, Trend: "down"},
				"weight":        trendValue{Current: 73.8, Trend: "down"},
				"lastUpdated":   time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
	case http.MethodPost:
		var metric json.RawMessage
		if _, err := decodeJSON(w, r, &metric); err != nil {
			writeError(w, r, http.StatusBadRequest, "Failed to save metric")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "metric": metric})
	default:
		methodNotAllowed(w, r)
	}
}
