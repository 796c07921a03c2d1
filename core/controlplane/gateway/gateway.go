package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/auditlog"
	"github.com/opal-compute/gateway/core/infra/bus"
	"github.com/opal-compute/gateway/core/infra/cache"
	"github.com/opal-compute/gateway/core/infra/config"
	"github.com/opal-compute/gateway/core/infra/liveness"
	"github.com/opal-compute/gateway/core/infra/logging"
	"github.com/opal-compute/gateway/core/infra/memory"
	infraMetrics "github.com/opal-compute/gateway/core/infra/metrics"
	"github.com/opal-compute/gateway/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	maxRequestBytes       = 2 << 20
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "opal-api-key"

	// healthService reports backend liveness on the gRPC health endpoint.
	healthService   = "opal.gateway.backend"
	healthInterval  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

type serviceLister interface {
	Services(ctx context.Context) (map[string][]string, error)
}

type busStatus interface {
	IsConnected() bool
	Status() string
	ConnectedURL() string
}

type server struct {
	pipeline *admission.Pipeline
	users    *admission.UserService
	store    pinger
	bus      busStatus
	liveness admission.LivenessProbe
	hub      *hub
	health   *health.Server
	metrics  infraMetrics.GatewayMetrics
	limiter  *rate.Limiter
	started  time.Time
}

// Components are the long-lived collaborators of a gateway process.
type Components struct {
	Redis     redis.UniversalClient
	Jobs      *memory.RedisJobStore
	Users     *memory.RedisUserStore
	Beats     *memory.HeartbeatStore
	Access    *memory.AccessLogStore
	Admin     *admission.UserService
	Gate      *admission.CredentialGate
	Admission *config.AdmissionConfig
}

// Open connects to Redis and builds the stores and user service shared by
// the server and the command line tools.
func Open(cfg *config.Config) (*Components, error) {
	admissionCfg, err := config.LoadAdmission(cfg.AdmissionConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load admission config: %w", err)
	}
	client, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	c := &Components{
		Redis:     client,
		Jobs:      memory.NewRedisJobStore(client),
		Users:     memory.NewRedisUserStore(client),
		Beats:     memory.NewHeartbeatStore(client),
		Access:    memory.NewAccessLogStore(client, 0),
		Admission: admissionCfg,
	}
	c.Gate, err = admission.NewCredentialGate(c.Users, []byte(cfg.CredentialKey))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("init credential gate: %w", err)
	}
	capabilities := slices.Concat(admissionCfg.Algorithms, admissionCfg.ComputeTypes)
	c.Admin = admission.NewUserService(c.Users, c.Gate, capabilities)
	return c, nil
}

// Close releases the Redis connection.
func (c *Components) Close() error {
	return c.Redis.Close()
}

// Run starts the gateway and blocks until ctx is cancelled or the HTTP
// listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	comps, err := Open(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()
	admissionCfg := comps.Admission

	promMetrics := infraMetrics.NewProm("opal")
	recorder := auditlog.New(comps.Access, promMetrics, auditlog.DefaultBuffer)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			logging.Error("api-gateway", "audit drain incomplete", "error", err)
		}
	}()

	probe, err := liveness.New(comps.Beats, admissionCfg.Liveness.Roles, admissionCfg.Liveness.Window())
	if err != nil {
		return fmt.Errorf("init liveness probe: %w", err)
	}
	validator, err := admission.NewValidator(admissionCfg.ComputeTypes, admissionCfg.Algorithms)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}
	cacheClient := cache.New(cfg.CacheURL, admissionCfg.Cache.Timeout())
	if !cacheClient.Enabled() {
		logging.Info("api-gateway", "dedup cache not configured, every lookup is a miss")
	}

	s := &server{
		users:    comps.Admin,
		store:    comps.Jobs,
		liveness: probe,
		hub:      newHub(),
		health:   health.NewServer(),
		metrics:  infraMetrics.NewGatewayProm("opal_gateway"),
		limiter:  newLimiterFromEnv(),
		started:  time.Now().UTC(),
	}

	// Without NATS the hub is fed directly; with NATS it is fed by the bus
	// taps so events from every replica reach the stream.
	var events admission.EventPublisher = s.hub
	var natsBus *bus.NatsBus
	if !cfg.DisableNATS {
		natsBus, err = bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		s.bus = natsBus
		events = bus.NewEventPublisher(natsBus)
	}

	s.pipeline, err = admission.NewPipeline(admission.Deps{
		Validator: validator,
		Gate:      comps.Gate,
		Policy:    admission.NewPolicy(admissionCfg.AggregationLevels),
		Cache:     cacheClient,
		Liveness:  probe,
		Jobs:      comps.Jobs,
		Access:    recorder,
		Events:    events,
		Audit:     comps.Access,
		Metrics:   promMetrics,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	if natsBus != nil {
		if err := bus.NewIngest(comps.Beats, s.pipeline).Start(natsBus); err != nil {
			return err
		}
		if err := s.startBusTaps(natsBus); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.run(ctx)

	grpcServer, err := s.startGRPCServer(ctx, cfg.GRPCAddr)
	if err != nil {
		return err
	}
	defer grpcServer.GracefulStop()

	logging.Info("api-gateway", "admission configured",
		"compute_types", admissionCfg.ComputeTypes,
		"algorithms", admissionCfg.Algorithms,
		"liveness_roles", admissionCfg.Liveness.Roles,
		"liveness_window", admissionCfg.Liveness.Window())
	return startHTTPServer(ctx, s, cfg.HTTPAddr, cfg.MetricsAddr)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// Jobs
	mux.HandleFunc("POST /api/v1/jobs", s.instrumented("/api/v1/jobs", s.handleCreateJob))
	mux.HandleFunc("GET /api/v1/jobs", s.instrumented("/api/v1/jobs", s.handleListJobs))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.instrumented("/api/v1/jobs/{id}", s.handleGetJob))
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.instrumented("/api/v1/jobs/{id}/cancel", s.handleCancelJob))
	mux.HandleFunc("GET /api/v1/jobs/{id}/results", s.instrumented("/api/v1/jobs/{id}/results", s.handleJobResults))
	mux.HandleFunc("POST /api/v1/jobs/{id}/archive", s.instrumented("/api/v1/jobs/{id}/archive", s.handleArchiveJob))

	// Users
	mux.HandleFunc("GET /api/v1/users", s.instrumented("/api/v1/users", s.handleListUsers))
	mux.HandleFunc("POST /api/v1/users", s.instrumented("/api/v1/users", s.handleCreateUser))
	mux.HandleFunc("GET /api/v1/users/{name}", s.instrumented("/api/v1/users/{name}", s.handleGetUser))
	mux.HandleFunc("PATCH /api/v1/users/{name}", s.instrumented("/api/v1/users/{name}", s.handleUpdateUser))
	mux.HandleFunc("DELETE /api/v1/users/{name}", s.instrumented("/api/v1/users/{name}", s.handleDeleteUser))
	mux.HandleFunc("POST /api/v1/users/{name}/reset", s.instrumented("/api/v1/users/{name}/reset", s.handleResetUserToken))

	// Audit
	mux.HandleFunc("GET /api/v1/audit/illegal", s.instrumented("/api/v1/audit/illegal", s.handleListIllegalAccess))
	mux.HandleFunc("GET /api/v1/audit/access", s.instrumented("/api/v1/audit/access", s.handleListAccessLog))

	// Stream (WebSocket)
	mux.HandleFunc("GET /api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return corsMiddleware(rateLimitMiddleware(s.limiter, mux))
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logging.Info("api-gateway", "http listening", "addr", httpAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("api-gateway", "http server error", "error", err)
		_ = metricsSrv.Close()
		return err
	}
	return nil
}

// startGRPCServer serves the standard health service, with healthService
// tracking backend liveness.
func (s *server) startGRPCServer(ctx context.Context, addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc (%s): %w", addr, err)
	}
	grpcServer := grpc.NewServer(grpc.Creds(grpcCredentialsFromEnv()))
	healthpb.RegisterHealthServer(grpcServer, s.health)
	reflection.Register(grpcServer)

	s.refreshHealth(ctx)
	go s.watchHealth(ctx, healthInterval)
	go func() {
		logging.Info("api-gateway", "grpc listening", "addr", addr)
		if err := grpcServer.Serve(lis); err != nil {
			logging.Error("api-gateway", "grpc server error", "error", err)
		}
	}()
	return grpcServer, nil
}

func grpcCredentialsFromEnv() credentials.TransportCredentials {
	certFile := os.Getenv("GRPC_TLS_CERT")
	if certFile == "" {
		return insecure.NewCredentials()
	}
	keyFile := os.Getenv("GRPC_TLS_KEY")
	if keyFile == "" {
		logging.Error("api-gateway", "grpc tls key missing", "cert", certFile)
		return insecure.NewCredentials()
	}
	creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		logging.Error("api-gateway", "grpc tls setup failed", "error", err)
		return insecure.NewCredentials()
	}
	return creds
}

func (s *server) watchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.refreshHealth(ctx)
		}
	}
}

// refreshHealth marks the process serving and healthService serving only
// while the backend is alive.
func (s *server) refreshHealth(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	alive, err := s.liveness.IsBackendAlive(probeCtx)
	cancel()
	if err != nil {
		logging.Error("api-gateway", "liveness probe failed", "error", err)
	} else if alive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(healthService, status)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}

	natsConnected := false
	natsStatus := "DISABLED"
	natsURL := ""
	if s.bus != nil {
		natsConnected = s.bus.IsConnected()
		natsStatus = s.bus.Status()
		natsURL = s.bus.ConnectedURL()
	}

	redisOK := false
	redisErr := ""
	if s.store == nil {
		redisErr = "job store unavailable"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := s.store.Ping(ctx)
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	}

	backendAlive := false
	backendErr := ""
	var services map[string][]string
	if s.liveness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		alive, err := s.liveness.IsBackendAlive(ctx)
		if err != nil {
			backendErr = err.Error()
		}
		backendAlive = alive
		if lister, ok := s.liveness.(serviceLister); ok {
			if listed, err := lister.Services(ctx); err == nil {
				services = listed
			}
		}
		cancel()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
		"backend": map[string]any{
			"alive":    backendAlive,
			"error":    backendErr,
			"services": services,
		},
	})
}
