package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-lifecycle/internal/console/handler"
	"github.com/xela07ax/agent-lifecycle/internal/infra/auth"
)

type ConsoleServer struct {
	router   *chi.Mux
	logger   *zap.Logger
	basePath string

	// Проверка токенов (RS256). Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	authHandler      *handler.AuthHandler      // /auth/token
	lifecycleHandler *handler.LifecycleHandler // /lifecycle
	driftHandler     *handler.DriftHandler     // /metrics/drift
	agentHandler     *handler.AgentHandler     // /agents
}

func NewConsoleServer(
	basePath string,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	lifecycleH *handler.LifecycleHandler,
	driftH *handler.DriftHandler,
	agentH *handler.AgentHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		basePath:         strings.TrimSuffix(basePath, "/"),
		authValidator:    validator,
		authHandler:      authH,
		lifecycleHandler: lifecycleH,
		driftHandler:     driftH,
		agentHandler:     agentH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	// --- 1. Глобальные инфраструктурные Middleware ---
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mount := func(r chi.Router) {
		// --- 2. Публичные роуты ---
		if s.authHandler != nil {
			r.Post("/auth/token", s.authHandler.Login)
		}

		// --- 3. Защищенный периметр (RS256 токен) ---
		r.Group(func(r chi.Router) {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))

			// Чтение
			r.Get("/lifecycle/manager/status", s.lifecycleHandler.Status)
			r.Get("/lifecycle/queue", s.lifecycleHandler.Queue)
			r.Get("/lifecycle/requests/{id}", s.lifecycleHandler.GetRequest)
			r.Get("/metrics/drift/check", s.driftHandler.Check)
			r.Get("/agents", s.agentHandler.List)
			r.Get("/agents/{id}", s.agentHandler.Get)
			r.Get("/agents/{id}/history", s.agentHandler.History)

			// Мутации требуют lifecycle:write
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeLifecycleWrite))

				r.Post("/lifecycle/requests", s.lifecycleHandler.SubmitRequest)
				r.Post("/lifecycle/manager/start", s.lifecycleHandler.Start)
				r.Post("/lifecycle/manager/stop", s.lifecycleHandler.Stop)
				r.Post("/lifecycle/manager/tick", s.lifecycleHandler.Tick)
				r.Post("/lifecycle/retire", s.lifecycleHandler.Retire)
				r.Post("/metrics/drift/remediate", s.driftHandler.Remediate)
				r.Post("/metrics/drift/queue-remediation", s.driftHandler.QueueRemediation)

				r.Post("/agents/{id}/metrics", s.agentHandler.RecordMetrics)   // Ингест замера здоровья
				r.Post("/agents/{id}/fingerprint", s.agentHandler.Fingerprint) // Текущий отпечаток поведения
				r.Post("/agents/{id}/baseline", s.agentHandler.Baseline)       // Текущий отпечаток -> эталон
			})
		})
	}

	if s.basePath == "" {
		mount(s.router)
		return
	}
	s.router.Route(s.basePath, mount)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
