package controlplane

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/observability"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/orchestrator"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/validate"
	"github.com/mockingb1rdblue/bifrost-bridge/internal/webhook"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// Config configures the HTTP server.
type Config struct {
	Addr         string        `yaml:"addr" toml:"addr"`
	ReadTimeout  time.Duration `yaml:"-" toml:"-"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	// APIKeys are the accepted bearer tokens. Loaded from the environment.
	APIKeys []string `yaml:"-" toml:"-"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:7466",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
}

// Server provides the HTTP API.
type Server struct {
	service   Service
	heartbeat *orchestrator.Heartbeat
	cfg       Config
	keys      [][]byte
	logger    *slog.Logger
	server    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHeartbeat exposes heartbeat stats at GET /admin/heartbeat.
func WithHeartbeat(h *orchestrator.Heartbeat) Option {
	return func(s *Server) { s.heartbeat = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new HTTP server.
func NewServer(service Service, cfg Config, opts ...Option) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.open("/health", s.handleHealth))

	// Diagnostics
	mux.HandleFunc("GET /metrics", s.authed("/metrics", s.handleMetrics))
	mux.HandleFunc("GET /metrics/prometheus", s.authed("/metrics/prometheus", observability.Handler().ServeHTTP))
	mux.HandleFunc("GET /errors", s.authed("/errors", s.handleErrors))
	mux.HandleFunc("GET /admin/circuits", s.authed("/admin/circuits", s.handleCircuits))
	mux.HandleFunc("GET /admin/heartbeat", s.authed("/admin/heartbeat", s.handleHeartbeat))

	// Jobs
	mux.HandleFunc("POST /jobs", s.authed("/jobs", s.createJob))
	mux.HandleFunc("GET /jobs", s.authed("/jobs", s.listJobs))
	mux.HandleFunc("GET /jobs/{id}", s.authed("/jobs/{id}", s.getJob))
	mux.HandleFunc("PATCH /jobs/{id}", s.authed("/jobs/{id}", s.updateJob))
	mux.HandleFunc("POST /jobs/{id}/approve", s.authed("/jobs/{id}/approve", s.approveJob))

	// Swarm tasks
	mux.HandleFunc("POST /v1/swarm/tasks", s.authed("/v1/swarm/tasks", s.createTask))
	mux.HandleFunc("GET /v1/swarm/tasks", s.authed("/v1/swarm/tasks", s.listTasks))
	mux.HandleFunc("GET /v1/swarm/next", s.authed("/v1/swarm/next", s.nextTask))
	mux.HandleFunc("POST /v1/swarm/update", s.authed("/v1/swarm/update", s.updateTask))
	mux.HandleFunc("POST /v1/worker/poll", s.authed("/v1/worker/poll", s.workerPoll))

	// Admin
	mux.HandleFunc("POST /v1/admin/batch", s.authed("/v1/admin/batch", s.adminBatch))
	mux.HandleFunc("POST /v1/admin/sync", s.authed("/v1/admin/sync", s.adminSync))
	mux.HandleFunc("POST /v1/admin/maintenance", s.authed("/v1/admin/maintenance", s.adminMaintenance))
	mux.HandleFunc("POST /v1/admin/wipe", s.authed("/v1/admin/wipe", s.adminWipe))

	// Signed ingress, no bearer check
	mux.HandleFunc("POST /webhooks/linear", s.open("/webhooks/linear", s.linearWebhook))
	mux.HandleFunc("POST /webhooks/github", s.open("/webhooks/github", s.githubWebhook))

	mux.HandleFunc("POST /v2/chat", s.authed("/v2/chat", s.chat))

	return mux
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("control plane listening", slog.String("addr", s.cfg.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// open wraps a handler that needs no bearer token.
func (s *Server) open(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		observability.HTTPRequest(route, rec.status)
	}
}

// authed checks configuration, the bearer token and the caller's rate limit,
// in that order, before running h.
func (s *Server) authed(route string, h http.HandlerFunc) http.HandlerFunc {
	return s.open(route, func(w http.ResponseWriter, r *http.Request) {
		if len(s.keys) == 0 {
			s.writeError(w, r, ErrNoAPIKeys)
			return
		}
		key, ok := s.authenticate(r)
		if !ok {
			s.writeError(w, r, ErrUnauthorized)
			return
		}
		if err := s.service.AllowRequest(r.Context(), bucketKey(key)); err != nil {
			if errors.Is(err, orchestrator.ErrRateLimited) {
				w.Header().Set("Retry-After", "1")
			}
			s.writeError(w, r, err)
			return
		}
		h(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) ([]byte, bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		return nil, false
	}
	got := []byte(strings.TrimSpace(token))
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(got, k) == 1 {
			return k, true
		}
	}
	return nil, false
}

// bucketKey names a rate limit bucket without persisting the credential.
func bucketKey(key []byte) string {
	sum := sha256.Sum256(key)
	return "key:" + hex.EncodeToString(sum[:8])
}

// --- Health & diagnostics ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Store   string `json:"store"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		Store:   "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Health(r.Context()); err != nil {
		resp.OK = false
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Metrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.service.Errors(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if errs == nil {
		errs = []models.ErrorLogEntry{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.service.Circuits(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, circuits)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.heartbeat == nil {
		writeJSON(w, http.StatusOK, orchestrator.HeartbeatStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.heartbeat.Stats())
}

// --- Jobs ---

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req validate.CreateJobRequest
	if err := validate.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.service.CreateJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.Jobs(r.Context(), models.JobStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req validate.UpdateJobRequest
	if err := validate.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.service.UpdateJob(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) approveJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.ApproveJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- Swarm tasks ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req validate.CreateTaskRequest
	if err := validate.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.Tasks(r.Context(), models.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.SwarmTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) nextTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.NextTask(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req validate.TaskUpdateRequest
	if err := validate.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.UpdateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) workerPoll(w http.ResponseWriter, r *http.Request) {
	var req validate.WorkerPollRequest
	if err := validate.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.service.WorkerPoll(r.Context(), req.WorkerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Admin ---

func (s *Server) adminBatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req validate.BatchRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := validate.Decode(bytes.NewReader(body), &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, validate.Errorf("limit must be an integer"))
			return
		}
		req.Limit = n
		if err := validate.Struct(req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res, err := s.service.Batch(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Sync(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminMaintenance(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Maintain(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) adminWipe(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Wipe(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "wiped"})
}

// --- Webhooks ---

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, validate.MaxBodyBytes))
	if err != nil {
		return nil, validate.Errorf("read body: %v", err)
	}
	return body, nil
}

func (s *Server) linearWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.LinearWebhook(r.Context(), body, r.Header.Get(webhook.LinearSignatureHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) githubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.GitHubWebhook(r.Context(), r.Header.Get(webhook.GitHubEventHeader), body, r.Header.Get(webhook.GitHubSignatureHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Chat ---

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req validate.ChatRequest
	if err := validate.Decode(r.Body, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.service.Chat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
