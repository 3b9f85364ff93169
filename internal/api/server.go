package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"horizon-workflow/internal/catalog"
	"horizon-workflow/internal/dashboard"
	"horizon-workflow/internal/ledger"
	"horizon-workflow/internal/models"
	"horizon-workflow/internal/planning"
	"horizon-workflow/internal/ratelimit"
	"horizon-workflow/internal/telemetry"
	"horizon-workflow/internal/workflow"
)

// Server wires HTTP handlers for the workflow API.
type Server struct {
	engine    *workflow.Engine
	planning  *planning.Service
	ledger    *ledger.Ledger
	catalog   *catalog.Catalog
	dashboard *dashboard.Service
	limiter   *ratelimit.TokenBucket
	logger    *slog.Logger
}

// Deps collects the services behind the API. Limiter may be nil to disable rate limiting.
type Deps struct {
	Engine    *workflow.Engine
	Planning  *planning.Service
	Ledger    *ledger.Ledger
	Catalog   *catalog.Catalog
	Dashboard *dashboard.Service
	Limiter   *ratelimit.TokenBucket
	Logger    *slog.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    d.Engine,
		planning:  d.Planning,
		ledger:    d.Ledger,
		catalog:   d.Catalog,
		dashboard: d.Dashboard,
		limiter:   d.Limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/workflow", s.handleGetWorkflow)
		r.Get("/jobs/{id}/planning", s.handleGetPlanning)
		r.Get("/jobs/{id}/cutting-assignment", s.handleGetCuttingAssignment)
		r.Get("/jobs/{id}/assignment-history", s.handleListHistory)
		r.Get("/sequences", s.handleListSequences)
		r.Get("/sequences/{productType}", s.handleGetSequence)
		r.Get("/departments/cutting/jobs", s.handleCuttingJobs)
		r.Get("/departments/{department}/jobs", s.handleDepartmentJobs)
		r.Get("/dashboard/director", s.handleDirector)
		r.Get("/dashboard/departments/{department}", s.handleDepartmentDashboard)
	})

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(rateLimitKey, telemetry.RateLimitRejects.Inc))
		}
		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/hold", s.handleHold)
		r.Post("/jobs/{id}/resume", s.handleResume)

		r.Post("/jobs/{id}/workflow/start", s.stepHandler(s.startStep))
		r.Post("/jobs/{id}/workflow/complete", s.stepHandler(s.completeStep))
		r.Post("/jobs/{id}/workflow/block", s.stepHandler(s.blockStep))
		r.Post("/jobs/{id}/workflow/unblock", s.stepHandler(s.unblockStep))
		r.Post("/jobs/{id}/workflow/skip", s.stepHandler(s.skipStep))
		r.Post("/jobs/{id}/workflow/heartbeat", s.stepHandler(s.heartbeat))

		r.Post("/jobs/{id}/planning/plan", s.planningHandler(s.plan))
		r.Post("/jobs/{id}/planning/lock", s.planningHandler(s.lock))
		r.Post("/jobs/{id}/planning/unlock", s.planningHandler(s.unlock))
		r.Post("/jobs/{id}/planning/apply", s.planningHandler(s.apply))
		r.Post("/jobs/{id}/planning/reset", s.planningHandler(s.reset))

		r.Post("/jobs/{id}/cutting-assignment", s.handleAssignCutting)
		r.Post("/jobs/{id}/assignment-history", s.handleRecordHistory)
		r.Put("/sequences/{productType}", s.handleReplaceSequence)
		r.Put("/products/{id}", s.handleRegisterProduct)
	})
	return r
}

type createJobRequest struct {
	JobNumber   string     `json:"job_number"`
	ProductID   string     `json:"product_id"`
	ProductType string     `json:"product_type"`
	CompanyID   string     `json:"company_id"`
	Quantity    int        `json:"quantity"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.CreateJob(r.Context(), workflow.CreateJobParams{
		JobNumber:   req.JobNumber,
		ProductID:   req.ProductID,
		ProductType: req.ProductType,
		CompanyID:   req.CompanyID,
		Quantity:    req.Quantity,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		Actor:       actorFromRequest(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Job)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.CancelJob(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r), req.Reason)
	s.respondJob(w, r, snap, err)
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.HoldJob(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r), req.Reason)
	s.respondJob(w, r, snap, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.ResumeJob(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r))
	s.respondJob(w, r, snap, err)
}

func (s *Server) respondJob(w http.ResponseWriter, r *http.Request, snap *models.JobSnapshot, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Job)
}

// stepRequest is the body of every step operation. Fields an operation does not use are ignored.
type stepRequest struct {
	SequenceNumber int    `json:"sequence_number"`
	OutputQty      *int   `json:"output_qty"`
	Notes          string `json:"notes"`
	Reason         string `json:"reason"`
}

type stepResponse struct {
	Job  models.JobCard       `json:"job"`
	Step *models.WorkflowStep `json:"step"`
}

type stepOp func(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error)

func (s *Server) stepHandler(op stepOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stepRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.SequenceNumber <= 0 {
			s.writeError(w, r, models.Errorf(models.ErrValidation, "sequence_number is required"))
			return
		}
		snap, step, err := op(r, chi.URLParam(r, "id"), req, actorFromRequest(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stepResponse{Job: snap.Job, Step: step})
	}
}

func (s *Server) startStep(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return s.engine.StartStep(r.Context(), jobID, req.SequenceNumber, actor)
}

func (s *Server) completeStep(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return s.engine.CompleteStep(r.Context(), jobID, req.SequenceNumber, actor, req.OutputQty, req.Notes)
}

func (s *Server) blockStep(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return s.engine.BlockStep(r.Context(), jobID, req.SequenceNumber, actor, req.Reason)
}

func (s *Server) unblockStep(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return s.engine.UnblockStep(r.Context(), jobID, req.SequenceNumber, actor)
}

func (s *Server) skipStep(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return s.engine.SkipStep(r.Context(), jobID, req.SequenceNumber, actor, req.Reason)
}

func (s *Server) heartbeat(r *http.Request, jobID string, req stepRequest, actor models.Actor) (*models.JobSnapshot, *models.WorkflowStep, error) {
	return s.engine.Heartbeat(r.Context(), jobID, req.SequenceNumber, actor)
}

type planningRequest struct {
	models.Layout
	Reason string `json:"reason"`
}

type planningOp func(r *http.Request, jobID string, req planningRequest, actor models.Actor) (models.Planning, error)

func (s *Server) planningHandler(op planningOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req planningRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := op(r, chi.URLParam(r, "id"), req, actorFromRequest(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) plan(r *http.Request, jobID string, req planningRequest, actor models.Actor) (models.Planning, error) {
	return s.planning.Plan(r.Context(), jobID, req.Layout, actor)
}

func (s *Server) lock(r *http.Request, jobID string, _ planningRequest, actor models.Actor) (models.Planning, error) {
	return s.planning.Lock(r.Context(), jobID, actor)
}

func (s *Server) unlock(r *http.Request, jobID string, _ planningRequest, actor models.Actor) (models.Planning, error) {
	return s.planning.Unlock(r.Context(), jobID, actor)
}

func (s *Server) apply(r *http.Request, jobID string, req planningRequest, actor models.Actor) (models.Planning, error) {
	return s.planning.Apply(r.Context(), jobID, req.Layout, actor)
}

func (s *Server) reset(r *http.Request, jobID string, req planningRequest, actor models.Actor) (models.Planning, error) {
	return s.planning.Reset(r.Context(), jobID, actor, req.Reason)
}

func (s *Server) handleGetPlanning(w http.ResponseWriter, r *http.Request) {
	p, err := s.planning.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type assignCuttingRequest struct {
	AssignedTo string `json:"assigned_to"`
	Comments   string `json:"comments"`
}

func (s *Server) handleAssignCutting(w http.ResponseWriter, r *http.Request) {
	var req assignCuttingRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.planning.AssignCutting(r.Context(), chi.URLParam(r, "id"), req.AssignedTo, req.Comments, actorFromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetCuttingAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.planning.CuttingAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a == nil {
		s.writeError(w, r, models.Errorf(models.ErrJobNotFound, "job %s has no cutting assignment", chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type recordHistoryRequest struct {
	ActionType string `json:"action_type"`
	StepName   string `json:"step_name"`
	TargetUser string `json:"target_user"`
	Notes      string `json:"notes"`
}

func (s *Server) handleRecordHistory(w http.ResponseWriter, r *http.Request) {
	var req recordHistoryRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.ledger.Record(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r), ledger.Action{
		Type:       req.ActionType,
		StepName:   req.StepName,
		TargetUser: req.TargetUser,
		Notes:      req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.ledger.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	seqs, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": seqs})
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.catalog.SequenceForProductType(r.Context(), chi.URLParam(r, "productType"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleReplaceSequence(w http.ResponseWriter, r *http.Request) {
	var seq models.ProcessSequence
	if err := decode(r, &seq); err != nil {
		s.writeError(w, r, err)
		return
	}
	seq.ProductType = chi.URLParam(r, "productType")
	saved, err := s.catalog.Replace(r.Context(), seq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleRegisterProduct(w http.ResponseWriter, r *http.Request) {
	var p models.Product
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ID = chi.URLParam(r, "id")
	saved, err := s.catalog.RegisterProduct(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleCuttingJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.planning.CuttingQueue(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDepartmentJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := models.JobFilter{
		Department: chi.URLParam(r, "department"),
		Statuses:   []string{models.JobPending, models.JobInProgress, models.JobOnHold},
		Limit:      limit,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Statuses = strings.Split(strings.ToUpper(v), ",")
	}
	jobs, err := s.engine.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleDirector(w http.ResponseWriter, r *http.Request) {
	win, err := windowFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.dashboard.Director(r.Context(), win)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDepartmentDashboard(w http.ResponseWriter, r *http.Request) {
	win, err := windowFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.dashboard.Department(r.Context(), chi.URLParam(r, "department"), win)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// writeError maps typed domain errors to status codes. Anything untyped is a 500 and is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := models.AsError(err)
	if !ok {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error{Code: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, statusFor(e.Code), e)
}

func statusFor(code models.Code) int {
	switch code {
	case models.CodeJobNotFound, models.CodeStepNotFound, models.CodeSequenceNotFound:
		return http.StatusNotFound
	case models.CodeValidation:
		return http.StatusBadRequest
	case models.CodeForbidden:
		return http.StatusForbidden
	case models.CodeInvalidTransition, models.CodeNotLocked, models.CodeOrderViolation,
		models.CodeConcurrentModification, models.CodeDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return models.Errorf(models.ErrValidation, "invalid json: %v", err)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, models.Errorf(models.ErrValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}

// windowFromRequest reads from/to as RFC 3339. Missing bounds are filled in by the dashboard.
func windowFromRequest(r *http.Request) (dashboard.Window, error) {
	var w dashboard.Window
	for key, dst := range map[string]*time.Time{"from": &w.From, "to": &w.To} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return dashboard.Window{}, models.Errorf(models.ErrValidation, "%s must be RFC 3339", key)
		}
		*dst = t.UTC()
	}
	if !w.From.IsZero() && !w.To.IsZero() && !w.From.Before(w.To) {
		return dashboard.Window{}, models.Errorf(models.ErrValidation, "from must be before to")
	}
	return w, nil
}

func actorFromRequest(r *http.Request) models.Actor {
	name := strings.TrimSpace(r.Header.Get("X-Actor-Name"))
	if name == "" {
		name = "anonymous"
	}
	return models.Actor{Name: name, Role: strings.ToLower(strings.TrimSpace(r.Header.Get("X-Actor-Role")))}
}

func rateLimitKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Actor-Name")); v != "" {
		return "actor:" + v
	}
	return "addr:" + r.RemoteAddr
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
