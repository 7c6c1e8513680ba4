package handlers

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/qcom/phoneauth/internal/middleware"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Auth           *AuthHandlers
	Health         *HealthHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	AllowedOrigins []string
	// TrustProxyHeaders rewrites RemoteAddr from forwarding headers before
	// logging and rate limiting.
	TrustProxyHeaders bool
	Logger            *logrus.Logger
}

func NewRouter(deps RouterDeps) *mux.Router {
	router := mux.NewRouter()

	if deps.TrustProxyHeaders {
		router.Use(chimiddleware.RealIP)
	}
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.CORSMiddleware(deps.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(deps.Logger))
	router.Use(metrics.HTTPMiddleware(deps.Metrics, routeTemplate))

	router.HandleFunc("/health", deps.Health.Health).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()

	public := auth.NewRoute().Subrouter()
	public.Use(deps.RateLimiter.Limit)
	public.HandleFunc("/register/send-otp", deps.Auth.SendRegistrationOTP).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/register/verify-otp", deps.Auth.VerifyRegistrationOTP).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/register/complete", deps.Auth.CompleteRegistration).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/login", deps.Auth.Login).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/login/send-otp", deps.Auth.SendLoginOTP).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/login/phone", deps.Auth.LoginWithOTP).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/password/send-otp", deps.Auth.SendPasswordResetOTP).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/password/reset", deps.Auth.ResetPassword).Methods(http.MethodPost, http.MethodOptions)
	public.HandleFunc("/refresh-token", deps.Auth.RefreshToken).Methods(http.MethodPost, http.MethodOptions)

	session := auth.NewRoute().Subrouter()
	session.Use(deps.AuthMiddleware.RequireAuth)
	session.HandleFunc("/logout", deps.Auth.Logout).Methods(http.MethodPost, http.MethodOptions)
	session.HandleFunc("/status", deps.Auth.UpdateStatus).Methods(http.MethodPut, http.MethodOptions)

	protected := api.NewRoute().Subrouter()
	protected.Use(deps.AuthMiddleware.RequireAuth)
	protected.HandleFunc("/me", deps.Auth.Me).Methods(http.MethodGet, http.MethodOptions)

	return router
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
