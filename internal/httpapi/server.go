package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/database"
	"fleetcp.sh/internal/eventlog"
	"fleetcp.sh/internal/jobs"
	"fleetcp.sh/internal/liveness"
	"fleetcp.sh/internal/middleware"
	"fleetcp.sh/internal/rollout"
	"fleetcp.sh/internal/statestore"
)

// Server wires every component (A-H) into the HTTP surface described
// by spec §4.7/§6. Grounded on the teacher's internal/control/server.go
// router-assembly shape, narrowed to gorilla/mux + rs/cors instead of
// the teacher's hand-rolled CORS middleware.
type Server struct {
	cfg        config.ServerConfig
	db         *database.DB
	state      *statestore.Store
	orch       *rollout.Orchestrator
	jobMgr     *jobs.Manager
	events     *eventlog.Store
	monitor    *liveness.Monitor
	webhookSec string
	logger     *slog.Logger

	router  *mux.Router
	handler http.Handler
}

// Deps bundles every built component this server binds to HTTP routes.
type Deps struct {
	Config        config.ServerConfig
	Auth          config.AuthConfig
	RateLimit     config.RateLimitConfig
	DB            *database.DB
	State         *statestore.Store
	Orchestrator  *rollout.Orchestrator
	Jobs          *jobs.Manager
	Events        *eventlog.Store
	Monitor       *liveness.Monitor
	WebhookSecret string
	Logger        *slog.Logger
}

// NewServer builds the router and layers the middleware stack.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        d.Config,
		db:         d.DB,
		state:      d.State,
		orch:       d.Orchestrator,
		jobMgr:     d.Jobs,
		events:     d.Events,
		monitor:    d.Monitor,
		webhookSec: d.WebhookSecret,
		logger:     logger,
	}

	r := mux.NewRouter()
	s.router = r

	prefix := "/api/" + d.Config.APIVersionPrefix
	api := r.PathPrefix(prefix).Subrouter()

	deviceAuth := middleware.DeviceAuth(deviceValidator{s.state}, logger)
	operatorAuth := middleware.OperatorAuth([]byte(d.Auth.OperatorJWTSecret), logger)

	deviceRoutes := api.PathPrefix("").Subrouter()
	deviceRoutes.Use(deviceAuth)
	s.registerDeviceRoutes(deviceRoutes)

	operatorRoutes := api.PathPrefix("").Subrouter()
	operatorRoutes.Use(operatorAuth)
	s.registerOperatorRoutes(operatorRoutes)

	r.Handle(prefix+"/webhooks/docker-registry", s.webhookHandler()).Methods("POST")

	s.registerAmbientRoutes(r)

	rl := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: d.RateLimit.RequestsPerSecond,
		BurstSize:         d.RateLimit.Burst,
	}, zap.NewNop())

	var handler http.Handler = r
	handler = middleware.Recovery(logger)(handler)
	handler = middleware.LoggingMiddleware(logger)(handler)
	handler = middleware.NewMetricsMiddleware("fleetcp")(handler)
	handler = rl.Middleware(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestIDMiddleware(handler)
	handler = corsMiddleware(d.Config.CORSOrigins)(handler)

	s.handler = handler
	return s
}

// Handler returns the fully wrapped root http.Handler cmd/fleetd-control serves.
func (s *Server) Handler() http.Handler { return s.handler }

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-None-Match", "X-Hub-Signature"},
		ExposedHeaders:   []string{"ETag", "X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler
}

// deviceValidator adapts statestore.Store to middleware.DeviceValidator:
// a device authenticates with its own provisioned UUID (see
// DESIGN.md's device-credential decision), so validity just means
// "known and active".
type deviceValidator struct {
	state *statestore.Store
}

func (v deviceValidator) ValidDevice(ctx context.Context, deviceID string) (bool, error) {
	d, err := v.state.GetDevice(ctx, deviceID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return d.IsActive, nil
}
