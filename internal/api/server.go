package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/config"
	"roster-pipeline/internal/ingest"
	"roster-pipeline/internal/logging"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/queue"
	"roster-pipeline/internal/ratelimit"
	"roster-pipeline/internal/stages"
	"roster-pipeline/internal/store"
	"roster-pipeline/internal/telemetry"
)

// TaskQueue is the part of the queue the API produces into.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task, runAt time.Time) (queue.Task, error)
	CancelJob(ctx context.Context, jobID string) (int, error)
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Limiter throttles intake per sender.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the roster API.
type Server struct {
	cfg     config.Config
	store   store.Store
	blobs   blob.Store
	orch    *orchestrator.Orchestrator
	queue   TaskQueue
	limiter Limiter
	intake  *ingest.Service
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New constructs the API server. A nil limiter disables intake throttling.
func New(cfg config.Config, st store.Store, blobs blob.Store, orch *orchestrator.Orchestrator, q TaskQueue, limiter Limiter, logger *zap.Logger, metrics *telemetry.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		orch:    orch,
		queue:   q,
		limiter: limiter,
		intake:  ingest.New(st, blobs),
		logger:  logger.Named("api"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", s.metrics.Handler())

	r.Post("/ingest", s.handleIngest)

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs/check-timeouts", s.handleCheckTimeouts)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Get("/versions", s.handleListVersions)
		r.Get("/audit", s.handleAudit)
		r.Get("/review", s.handleReview)
		r.Post("/process", s.handleProcess)
		r.Post("/resume", s.handleResume)
		r.Post("/edits", s.handleEdit)
		r.Post("/cancel", s.handleCancel)
		r.Post("/versions/{vid}/rollback", s.handleRollback)
	})

	r.Get("/versions/{id}/records", s.handleRecords)
	r.Get("/versions/{id}/issues", s.handleIssues)
	r.Get("/exports/{id}/download", s.handleDownload)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type ingestResponse struct {
	Job       models.Job `json:"job"`
	Duplicate bool       `json:"duplicate"`
	TaskID    string     `json:"task_id,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("message exceeds %d bytes or could not be read", s.cfg.MaxUploadBytes), http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}
	art, err := stages.ParseMessage(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, ratelimit.SenderKey(art.Sender))
		if err != nil {
			s.logger.Error("rate limit", zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			s.metrics.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	accepted, err := s.intake.Accept(ctx, raw, art, actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	job := accepted.Job
	s.metrics.JobsIngested.WithLabelValues(strconv.FormatBool(accepted.Duplicate)).Inc()
	if accepted.Duplicate {
		writeJSON(w, http.StatusOK, ingestResponse{Job: job, Duplicate: true})
		return
	}

	task, err := s.enqueue(ctx, queue.Task{JobID: job.ID, Kind: queue.KindRun, Actor: actorFromRequest(r)})
	if err != nil {
		_, _ = s.store.TransitionJob(ctx, store.TransitionParams{
			JobID:     job.ID,
			To:        models.StatusFailed,
			LastError: err.Error(),
			Actor:     models.AuthorSystem,
			Action:    models.ActionStageFail,
			Detail:    map[string]any{"reason": "enqueue failed"},
		})
		s.writeError(w, err)
		return
	}
	logging.Job(s.logger, job.ID).Info("message ingested", zap.String("sender", job.Sender), zap.String("raw_uri", job.RawURI))
	writeJSON(w, http.StatusAccepted, ingestResponse{Job: job, TaskID: task.ID})
}

func (s *Server) enqueue(ctx context.Context, t queue.Task) (queue.Task, error) {
	task, err := s.queue.Enqueue(ctx, t, s.now())
	if err != nil {
		return queue.Task{}, eris.Wrap(err, "enqueue task")
	}
	s.metrics.TasksEnqueued.WithLabelValues(string(t.Kind)).Inc()
	return task, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	params := store.ListJobsParams{Limit: 50}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		params.Limit = limit
	}
	jobs, err := s.store.ListJobs(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type jobDetail struct {
	models.Job
	CurrentVersion *models.Version `json:"current_version,omitempty"`
	Issues         []models.Issue  `json:"issues"`
	LatestExport   *models.Export  `json:"latest_export,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.store.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail := jobDetail{Job: job, Issues: []models.Issue{}}
	if job.CurrentVersionID != nil {
		v, err := s.store.GetVersion(ctx, *job.CurrentVersionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		detail.CurrentVersion = &v
		if detail.Issues, err = s.store.GetIssues(ctx, v.ID); err != nil {
			s.writeError(w, err)
			return
		}
	}
	exp, err := s.store.LatestExport(ctx, job.ID)
	switch {
	case err == nil:
		detail.LatestExport = &exp
	case !eris.Is(err, store.ErrNotFound):
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	versions, err := s.store.ListVersions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetVersion(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.store.GetRecords(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetVersion(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	issues, err := s.store.GetIssues(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	draft, err := s.orch.ReviewDraft(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

type processRequest struct {
	ForceAIAssist bool `json:"force_ai_assist"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.Status == models.StatusCancelled {
		s.writeError(w, eris.Wrapf(store.ErrJobCancelled, "job %s", job.ID))
		return
	}
	task, err := s.enqueue(r.Context(), queue.Task{
		JobID:         job.ID,
		Kind:          queue.KindRun,
		Actor:         actorFromRequest(r),
		ForceAIAssist: req.ForceAIAssist,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "task": task})
}

type resumeRequest struct {
	VersionID     string `json:"version_id"`
	FromStage     string `json:"from_stage"`
	ForceAIAssist bool   `json:"force_ai_assist"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.VersionID == "" {
		http.Error(w, "version_id is required", http.StatusBadRequest)
		return
	}
	from, err := orchestrator.ParseStage(req.FromStage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobID := chi.URLParam(r, "id")
	if err := s.checkOwnership(r.Context(), jobID, req.VersionID); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.enqueue(r.Context(), queue.Task{
		JobID:         jobID,
		Kind:          queue.KindResume,
		VersionID:     req.VersionID,
		FromStage:     string(from),
		Actor:         actorFromRequest(r),
		ForceAIAssist: req.ForceAIAssist,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "task": task})
}

// checkOwnership rejects a version of another job before anything is queued.
func (s *Server) checkOwnership(ctx context.Context, jobID, versionID string) error {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return err
	}
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.JobID != jobID {
		return eris.Wrapf(store.ErrVersionMismatch, "version %s belongs to job %s", versionID, v.JobID)
	}
	return nil
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Rollback(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "vid"), actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type editRequest struct {
	BaseVersionID *string      `json:"base_version_id"`
	Rows          []models.Row `json:"rows"`
	Reason        string       `json:"reason"`
}

type editResponse struct {
	Version models.Version `json:"version"`
	Task    queue.Task     `json:"task"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Rows) == 0 {
		http.Error(w, "rows are required", http.StatusBadRequest)
		return
	}
	jobID := chi.URLParam(r, "id")
	actor := actorFromRequest(r)
	version, err := s.orch.Edit(r.Context(), orchestrator.EditParams{
		JobID:         jobID,
		BaseVersionID: req.BaseVersionID,
		Rows:          req.Rows,
		Reason:        req.Reason,
		Actor:         actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.enqueue(r.Context(), queue.Task{
		JobID:     jobID,
		Kind:      queue.KindResume,
		VersionID: version.ID,
		FromStage: string(orchestrator.StageValidate),
		Actor:     actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, editResponse{Version: version, Task: task})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orch.Cancel(r.Context(), id, actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	removed, err := s.queue.CancelJob(r.Context(), id)
	if err != nil {
		s.logger.Warn("failed to cancel queue items", zap.String(logging.FieldJobID, id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "removed_tasks": removed})
}

func (s *Server) handleCheckTimeouts(w http.ResponseWriter, r *http.Request) {
	ids, err := s.orch.SweepStale(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_job_ids": ids})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := s.blobs.Open(r.Context(), exp.Location)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", stages.XLSXContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="roster_export_job_%s_v%s.xlsx"`, exp.JobID, exp.VersionID))
	w.Header().Set("Content-Length", strconv.FormatInt(exp.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream export", zap.String("export_id", exp.ID), zap.Error(err))
	}
}

// handleDLQ returns the dead-lettered tasks.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case eris.Is(err, store.ErrNotFound), eris.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case eris.Is(err, orchestrator.ErrConflict),
		eris.Is(err, store.ErrVersionMismatch),
		eris.Is(err, store.ErrInvalidTransition),
		eris.Is(err, store.ErrJobCancelled),
		eris.Is(err, store.ErrBlockingIssues):
		return http.StatusConflict
	case eris.Is(err, orchestrator.ErrUnknownStage),
		eris.Is(err, store.ErrInvalidInput),
		eris.Is(err, store.ErrDuplicateRow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional accepts an empty body; it writes the 400 itself and reports false on bad JSON.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return models.AuthorAPI
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
