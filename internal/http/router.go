package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/iago/health-records-back/internal/http/handlers"
	"github.com/iago/health-records-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *slog.Logger
	Recorder       middleware.Recorder
	Metrics        http.Handler
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			middleware.SetRoute(r.Context(), pattern)
			handler(w, r)
		}))
	}

	api := deps.API
	handle("GET /healthz", api.Health)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	handle("POST /api/auth/login", api.Login)
	handle("POST /api/auth/register", api.Register)
	handle("POST /api/auth/logout", api.Logout)
	handle("GET /api/auth/me", api.Me)
	handle("/api/profile", api.Profile)
	handle("/api/health-info", api.HealthInfo)

	handle("POST /api/upload", api.Upload)
	handle("GET /api/upload/status", api.UploadStatus)
	handle("POST /api/upload/analyze", api.AnalyzeUpload)

	handle("POST /api/health", api.CreateHealthDashboard)
	handle("GET /api/health", api.GetHealthDashboard)
	handle("/api/health/metrics", api.HealthMetrics)
	handle("GET /api/dashboard", api.Dashboard)

	handle("POST /api/chat", api.Chat)

	handle("POST /v1/uploads", api.CreateUpload)
	handle("GET /v1/uploads", api.ListUploads)
	handle("GET /v1/uploads/{id}", api.GetUpload)
	handle("POST /v1/uploads/{id}/analyze", api.AnalyzeTrackedUpload)
	handle("POST /v1/uploads/{id}/save", api.SaveUpload)
	handle("DELETE /v1/uploads/{id}", api.DeleteUpload)

	handler := http.Handler(mux)
	handler = middleware.Session(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   deps.CORSOrigins,
		AllowCredentials: true,
	})(handler)
	handler = middleware.Trace(deps.Logger, deps.Recorder)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
