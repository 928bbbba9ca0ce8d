// Package api exposes the prediction, diagnostics, training and model management
// endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/slawatch/internal/dashboard"
	"github.com/nadmax/slawatch/internal/faults"
	"github.com/nadmax/slawatch/internal/httputil"
	"github.com/nadmax/slawatch/internal/model"
	"github.com/nadmax/slawatch/internal/predict"
	"github.com/nadmax/slawatch/internal/repository"
	"github.com/nadmax/slawatch/internal/rootcause"
	"github.com/nadmax/slawatch/internal/task"
	"github.com/nadmax/slawatch/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxBodyBytes     = 8 << 20
	defaultListLimit = 100
	defaultModelList = 20
)

type JobQueue interface {
	Enqueue(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetAllTasks(ctx context.Context) ([]*task.Task, error)
}

type Config struct {
	AnalysisWindowDays int
	MinDistrictSamples int
	MinCategorySamples int
}

type Deps struct {
	Repo         repository.Repository
	Queue        JobQueue
	Orchestrator *predict.Orchestrator
	Analyzer     *rootcause.Analyzer
	Snapshots    predict.SnapshotSource
}

type API struct {
	repo     repository.Repository
	queue    JobQueue
	orch     *predict.Orchestrator
	analyzer *rootcause.Analyzer
	source   predict.SnapshotSource
	cfg      Config
	mux      *http.ServeMux
	now      func() time.Time
}

type (
	PredictionRequest struct {
		predict.Filters
		// Requests scores an inline batch instead of the stored open requests.
		Requests []workflow.Request `json:"requests,omitempty"`
		// Persist stores the results; defaults to true for stored requests.
		Persist *bool `json:"persist,omitempty"`
	}
	RootCauseRequest struct {
		rootcause.Params
		// WindowDays sets a window ending now when Window is empty.
		WindowDays int `json:"window_days,omitempty"`
	}
	AdoptRequest struct {
		// Version to adopt; empty adopts the most recent artifact.
		Version string `json:"version"`
	}
	IngestResponse struct {
		Saved    int               `json:"saved"`
		Failures []predict.Failure `json:"failures,omitempty"`
	}
)

func NewAPI(deps Deps, cfg Config) *API {
	if cfg.AnalysisWindowDays <= 0 {
		cfg.AnalysisWindowDays = 90
	}

	api := &API{
		repo:     deps.Repo,
		queue:    deps.Queue,
		orch:     deps.Orchestrator,
		analyzer: deps.Analyzer,
		source:   deps.Snapshots,
		cfg:      cfg,
		mux:      http.NewServeMux(),
		now:      time.Now,
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/predictions", a.handlePredictions)
	a.mux.HandleFunc("/api/predictions/", a.handlePredictionByID)
	a.mux.HandleFunc("/api/root-cause", a.handleRootCause)
	a.mux.HandleFunc("/api/training", a.handleTraining)
	a.mux.HandleFunc("/api/training/", a.handleTrainingByID)
	a.mux.HandleFunc("/api/digest", a.handleDigest)
	a.mux.HandleFunc("/api/models", a.handleModels)
	a.mux.HandleFunc("/api/models/active", a.handleActiveModel)
	a.mux.HandleFunc("/api/models/adopt", a.handleAdopt)
	a.mux.HandleFunc("/api/services", a.handleServices)
	a.mux.HandleFunc("/api/services/", a.handleServiceByID)

	dash := dashboard.NewDashboard(a.repo, a.orch, a.analyzer, a.source, a.queue, dashboard.Config{
		WindowDays:         a.cfg.AnalysisWindowDays,
		MinDistrictSamples: a.cfg.MinDistrictSamples,
		MinCategorySamples: a.cfg.MinCategorySamples,
	})
	a.mux.HandleFunc("/api/dashboard/summary", get(dash.GetSummary))
	a.mux.HandleFunc("/api/dashboard/hotspots", get(dash.GetHotspots))
	a.mux.HandleFunc("/api/dashboard/trends", get(dash.GetTrends))
	a.mux.HandleFunc("/api/dashboard/jobs", get(dash.GetJobStats))

	a.mux.Handle("/metrics", promhttp.Handler())
	a.mux.HandleFunc("/healthz", get(a.health))
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func get(h http.HandlerFunc) http.HandlerFunc {
	return only(http.MethodGet, h)
}

func only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close request body")
		}
	}()

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return faults.Wrap(faults.MalformedRecord, "body", err)
	}

	return nil
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	active := a.orch.Active()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"scorer":   active.ScorerVersion,
		"degraded": active.Degraded,
		"stats":    a.source.Snapshot().Version,
	})
}

func (a *API) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PredictionRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	reqs := req.Requests
	persist := req.Persist == nil || *req.Persist
	if len(reqs) == 0 {
		var err error
		reqs, err = a.repo.ListRequests(r.Context(), repository.RequestQuery{
			Statuses:    []workflow.Status{workflow.StatusOpen},
			District:    req.District,
			Mandal:      req.Mandal,
			Category:    req.Category,
			ServiceCode: req.ServiceCode,
		})
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
	} else if req.Persist == nil {
		persist = false
	}

	batch, err := a.orch.Predict(r.Context(), reqs, req.Filters)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if persist && len(batch.Results) > 0 {
		if err := a.repo.SavePredictions(r.Context(), batch.Results); err != nil {
			log.Error().Err(err).Int("results", len(batch.Results)).Msg("failed to save predictions")
		}
	}

	httputil.WriteJSON(w, http.StatusOK, batch)
}

// horizonCovering returns the smallest horizon that keeps r eligible at now.
func horizonCovering(r workflow.Request, now time.Time) int {
	days := int(math.Ceil(r.Deadline().Sub(now).Hours() / 24))
	return max(days+1, 1)
}

func (a *API) handlePredictionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	serviceID := strings.TrimPrefix(r.URL.Path, "/api/predictions/")
	if serviceID == "" {
		httputil.WriteJSONError(w, "Service ID is required", http.StatusBadRequest)
		return
	}

	req, err := a.repo.GetRequest(r.Context(), serviceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Status != workflow.StatusOpen {
		httputil.WriteJSONError(w, fmt.Sprintf("service %s is %s", serviceID, req.Status), http.StatusConflict)
		return
	}

	batch, err := a.orch.Predict(r.Context(), []workflow.Request{*req}, predict.Filters{
		ServiceID:   serviceID,
		HorizonDays: horizonCovering(*req, a.now()),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	switch {
	case len(batch.Results) == 1:
		httputil.WriteJSON(w, http.StatusOK, batch.Results[0])
	case len(batch.Failures) == 1:
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, batch.Failures[0])
	default:
		httputil.WriteJSONError(w, "service is not eligible for prediction", http.StatusConflict)
	}
}

func (a *API) handleRootCause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RootCauseRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	p := req.Params
	if p.Window.Start.IsZero() && p.Window.End.IsZero() {
		days := req.WindowDays
		if days <= 0 {
			days = a.cfg.AnalysisWindowDays
		}
		end := a.now()
		p.Window = rootcause.Window{Start: end.AddDate(0, 0, -days), End: end}
	}
	if p.Window.End.Before(p.Window.Start) {
		httputil.WriteError(w, faults.New(faults.MalformedRecord, "window", "end %s is before start %s", p.Window.End, p.Window.Start))
		return
	}
	if p.MinDistrictSamples <= 0 {
		p.MinDistrictSamples = a.cfg.MinDistrictSamples
	}
	if p.MinCategorySamples <= 0 {
		p.MinCategorySamples = a.cfg.MinCategorySamples
	}

	reqs, err := a.repo.ListRequests(r.Context(), repository.RequestQuery{
		SubmittedFrom: p.Window.Start,
		SubmittedTo:   p.Window.End,
		District:      p.District,
		Mandal:        p.Mandal,
		Category:      p.Category,
		ServiceCode:   p.ServiceCode,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	report, err := a.analyzer.Analyze(r.Context(), reqs, a.source.Snapshot(), p)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, report)
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, typ task.TaskType, payload any, prio task.TaskPriority) {
	job, err := task.NewTask(typ, payload, prio)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := a.queue.Enqueue(r.Context(), job); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, job)
}

func (a *API) handleTraining(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload task.TrainPayload
		if err := decode(r, &payload); err != nil {
			httputil.WriteError(w, err)
			return
		}
		if payload.Trigger == "" {
			payload.Trigger = "api"
		}
		if payload.LookbackDays < 0 {
			httputil.WriteError(w, faults.New(faults.MalformedRecord, "lookback_days", "must be non-negative, got %d", payload.LookbackDays))
			return
		}
		a.enqueue(w, r, task.TypeTrainModel, payload, task.PriorityHigh)
	case http.MethodGet:
		a.listJobs(w, r, task.TypeTrainModel)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request, typ task.TaskType) {
	all, err := a.queue.GetAllTasks(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := []*task.Task{}
	for _, t := range all {
		if t.Type == typ {
			out = append(out, t)
		}
	}

	httputil.WriteJSON(w, http.StatusOK, out)
}

func (a *API) handleTrainingByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/training/")
	if jobID == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	job, err := a.queue.GetTask(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		job, err = a.repo.GetJob(r.Context(), jobID)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, job)
}

func (a *API) handleDigest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload task.DigestPayload
	if err := decode(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if payload.RequestedBy == "" {
		payload.RequestedBy = "api"
	}

	a.enqueue(w, r, task.TypeRootCauseDigest, payload, task.PriorityMedium)
}

func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, err := queryInt(r, "limit", defaultModelList)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	list, err := a.repo.ListArtifacts(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, list)
}

func (a *API) handleActiveModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.orch.Active())
}

func (a *API) handleAdopt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AdoptRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var (
		artifact *model.Artifact
		err      error
	)
	if req.Version == "" {
		artifact, err = a.repo.LatestArtifact(r.Context())
	} else {
		artifact, err = a.repo.GetArtifact(r.Context(), req.Version)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := a.orch.Adopt(artifact); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.orch.Active())
}

func (a *API) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listServices(w, r)
	case http.MethodPost:
		a.ingestServices(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) listServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	query := repository.RequestQuery{
		District:    q.Get("district"),
		Mandal:      q.Get("mandal"),
		Category:    q.Get("category"),
		ServiceCode: q.Get("service_code"),
		Limit:       limit,
	}
	if status := q.Get("status"); status != "" {
		query.Statuses = []workflow.Status{workflow.Status(status)}
	}

	reqs, err := a.repo.ListRequests(r.Context(), query)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, reqs)
}

// ingestServices stores the batch only if every record validates.
func (a *API) ingestServices(w http.ResponseWriter, r *http.Request) {
	var reqs []workflow.Request
	if err := decode(r, &reqs); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(reqs) == 0 {
		httputil.WriteJSONError(w, "at least one service request is required", http.StatusBadRequest)
		return
	}

	var failures []predict.Failure
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			failures = append(failures, predict.Failure{
				ServiceID: req.ID,
				Index:     i,
				Kind:      faults.KindOf(err),
				Key:       faults.KeyOf(err),
				Reason:    err.Error(),
			})
		}
	}
	if len(failures) > 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, IngestResponse{Failures: failures})
		return
	}

	if err := a.repo.SaveRequests(r.Context(), reqs); err != nil {
		httputil.WriteError(w, err)
		return
	}

	log.Info().Int("requests", len(reqs)).Msg("ingested service requests")
	httputil.WriteJSON(w, http.StatusCreated, IngestResponse{Saved: len(reqs)})
}

func (a *API) handleServiceByID(w http.ResponseWriter, r *http.Request) {
	serviceID := strings.TrimPrefix(r.URL.Path, "/api/services/")
	if serviceID == "" {
		httputil.WriteJSONError(w, "Service ID is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		req, err := a.repo.GetRequest(r.Context(), serviceID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, req)
	case http.MethodPut:
		a.updateService(w, r, serviceID)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// updateService replaces a stored request. The body id may be omitted but must not
// name a different request.
func (a *API) updateService(w http.ResponseWriter, r *http.Request, serviceID string) {
	var req workflow.Request
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = serviceID
	}
	if req.ID != serviceID {
		httputil.WriteError(w, faults.New(faults.MalformedRecord, req.ID, "body id does not match path id %s", serviceID))
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if _, err := a.repo.GetRequest(r.Context(), serviceID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := a.repo.SaveRequests(r.Context(), []workflow.Request{req}); err != nil {
		httputil.WriteError(w, err)
		return
	}

	log.Info().Str("service_id", serviceID).Str("status", string(req.Status)).Msg("service request updated")
	httputil.WriteJSON(w, http.StatusOK, req)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, faults.New(faults.MalformedRecord, key, "must be a positive integer, got %q", raw)
	}

	return n, nil
}
