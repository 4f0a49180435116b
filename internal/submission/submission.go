// Package submission implements the client-facing operations a front door
// (an HTTP handler, a CLI, a test) calls to create and observe jobs:
// submit_quick_create, submit_full_universe, submit_compose, submit_tts,
// get_status, list_recent, delete, cancel. It owns the
// debit -> persist -> register -> enqueue submission sequence and the
// model/duration validation that must fail before any state is created.
// Each operation follows the same validate-then-write-then-enqueue shape,
// generalized from a single file-submission job to four distinct job types
// sharing one credits-debit step.
package submission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scenesmith/orchestrator/internal/dispatcher"
	"github.com/scenesmith/orchestrator/internal/ledger"
	"github.com/scenesmith/orchestrator/internal/models"
	"github.com/scenesmith/orchestrator/internal/obs"
	"github.com/scenesmith/orchestrator/internal/queue"
	"github.com/scenesmith/orchestrator/internal/registry"
	"github.com/scenesmith/orchestrator/internal/store"
)

// ErrNotFound is returned by get_status/delete/cancel for an unknown job id.
var ErrNotFound = fmt.Errorf("submission: job not found")

// ErrNotCancellable is returned by cancel when a job isn't in the queued state.
var ErrNotCancellable = fmt.Errorf("submission: job is not cancellable")

// durationSeconds maps the coarse duration buckets submit_quick_create
// accepts onto an estimated wall-clock runtime. Its keys are the accepted
// buckets; its values feed the estimated_time_sec field returned to the caller.
var durationSeconds = map[string]int{
	"30s":  30,
	"45s":  45,
	"2min": 120,
	"3min": 180,
}

// Service wires the pieces a submission needs: the ledger for debits, the
// store for the durable row, the registry for the fast-path read model, and
// the dispatcher to push the job reference onto its priority queue.
type Service struct {
	Store      *store.Store
	Ledger     *ledger.Ledger
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
}

func New(st *store.Store, lg *ledger.Ledger, reg *registry.Registry, disp *dispatcher.Dispatcher) *Service {
	return &Service{Store: st, Ledger: lg, Registry: reg, Dispatcher: disp}
}

func newID(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		b := make([]byte, 8)
		_, _ = rand.Read(b)
		return prefix + "-" + hex.EncodeToString(b)
	}
	return prefix + "-" + id.String()
}

// QuickCreateRequest is the input to submit_quick_create and submit_full_universe.
type QuickCreateRequest struct {
	UserID             string
	IdeaText           string
	Duration           string
	StyleKey           string
	VideoModel         string
	VideoDuration      int
	VideoQuality       string
	AspectRatio        string
	AutoCreateUniverse bool
}

// SubmitResult is what a submission operation returns to its caller.
type SubmitResult struct {
	JobID            string
	EstimatedTimeSec int
	Status           string
}

func (r QuickCreateRequest) validate() error {
	if len(r.IdeaText) < 5 || len(r.IdeaText) > 500 {
		return fmt.Errorf("idea_text must be between 5 and 500 characters")
	}
	if _, ok := durationSeconds[r.Duration]; !ok {
		return fmt.Errorf("duration must be one of 30s, 45s, 2min, 3min")
	}
	if r.VideoModel != "" {
		if _, ok := models.Describe(r.VideoModel); !ok {
			return fmt.Errorf("invalid video_model %q", r.VideoModel)
		}
	}
	if r.VideoDuration != 0 && (r.VideoDuration < 5 || r.VideoDuration > 10) {
		return fmt.Errorf("video_duration must be between 5 and 10 seconds")
	}
	return nil
}

// SubmitQuickCreate validates, debits, persists, registers, and enqueues a
// quick_create job, in that order — a failed debit leaves no trace.
func (s *Service) SubmitQuickCreate(ctx context.Context, req QuickCreateRequest) (SubmitResult, error) {
	return s.submitQuickCreateLike(ctx, req, queue.JobTypeQuickCreate, "qc")
}

// SubmitFullUniverse is submit_full_universe: same validation and sequence
// as submit_quick_create, routed to the principal pipeline instead.
func (s *Service) SubmitFullUniverse(ctx context.Context, req QuickCreateRequest) (SubmitResult, error) {
	return s.submitQuickCreateLike(ctx, req, queue.JobTypeQuickCreateFullUniverse, "qcf")
}

// fullUniverseEstimatedTimeSec is the fixed estimate returned for
// submit_full_universe regardless of the requested duration bucket: the
// principal pipeline's extra phases (aspect normalization, audio mix,
// finalize) dominate the runtime over the short clip itself.
const fullUniverseEstimatedTimeSec = 60

func (s *Service) submitQuickCreateLike(ctx context.Context, req QuickCreateRequest, jobType queue.JobType, idPrefix string) (SubmitResult, error) {
	if err := req.validate(); err != nil {
		return SubmitResult{}, err
	}

	modelID := req.VideoModel
	if modelID == "" {
		modelID = models.DefaultForStyle(req.StyleKey)
	}
	videoDuration := req.VideoDuration
	if videoDuration == 0 {
		videoDuration = 5
	}
	cost := int64(models.EstimateCredits(modelID, videoDuration))

	jobID := newID(idPrefix)
	if _, err := s.Ledger.Debit(req.UserID, jobID, cost, fmt.Sprintf("%s submission", jobType)); err != nil {
		return SubmitResult{}, err
	}
	obs.CreditsDebited.Add(float64(cost))

	payload := map[string]any{
		"idea_text":            req.IdeaText,
		"duration":             req.Duration,
		"style_key":            req.StyleKey,
		"video_model":          modelID,
		"video_duration":       videoDuration,
		"video_quality":        req.VideoQuality,
		"aspect_ratio":         req.AspectRatio,
		"auto_create_universe": req.AutoCreateUniverse,
	}
	if err := s.persistAndEnqueue(ctx, jobID, string(jobType), req.UserID, payload); err != nil {
		return SubmitResult{}, err
	}

	obs.JobsSubmitted.WithLabelValues(string(jobType)).Inc()
	estimatedTimeSec := durationSeconds[req.Duration]
	if jobType == queue.JobTypeQuickCreateFullUniverse {
		estimatedTimeSec = fullUniverseEstimatedTimeSec
	}
	return SubmitResult{
		JobID:            jobID,
		EstimatedTimeSec: estimatedTimeSec,
		Status:           string(store.StateQueued),
	}, nil
}

// ComposeRequest carries an opaque compose spec through to the handler
// unchanged; its shape is consumer-defined.
type ComposeRequest struct {
	UserID string
	Spec   map[string]any
}

// SubmitCompose is submit_compose: no credits are debited (composing existing
// assets has no external generation cost in this service).
func (s *Service) SubmitCompose(ctx context.Context, req ComposeRequest) (SubmitResult, error) {
	jobID := newID("compose")
	if err := s.persistAndEnqueue(ctx, jobID, string(queue.JobTypeCompose), req.UserID, req.Spec); err != nil {
		return SubmitResult{}, err
	}
	obs.JobsSubmitted.WithLabelValues(string(queue.JobTypeCompose)).Inc()
	return SubmitResult{JobID: jobID, Status: string(store.StateQueued)}, nil
}

// TTSRequest is the input to submit_tts.
type TTSRequest struct {
	UserID string
	Text   string
}

func (s *Service) SubmitTTS(ctx context.Context, req TTSRequest) (SubmitResult, error) {
	if req.Text == "" {
		return SubmitResult{}, fmt.Errorf("text must not be empty")
	}
	jobID := newID("tts")
	payload := map[string]any{"text": req.Text}
	if err := s.persistAndEnqueue(ctx, jobID, string(queue.JobTypeTTS), req.UserID, payload); err != nil {
		return SubmitResult{}, err
	}
	obs.JobsSubmitted.WithLabelValues(string(queue.JobTypeTTS)).Inc()
	return SubmitResult{JobID: jobID, Status: string(store.StateQueued)}, nil
}

// persistAndEnqueue performs the persist -> register -> enqueue half of the
// submission sequence: the job row becomes visible as queued before its
// reference is pushed onto the priority queue.
func (s *Service) persistAndEnqueue(ctx context.Context, jobID, jobType, userID string, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job := store.Job{
		ID:        jobID,
		Type:      jobType,
		State:     store.StateQueued,
		UserID:    userID,
		Params:    string(encoded),
		CreatedAt: now,
	}
	if err := s.Store.Upsert(job); err != nil {
		return err
	}
	s.Registry.Install(registry.Record{
		ID: jobID, Type: jobType, State: store.StateQueued, UserID: userID, SubmittedAt: now, UpdatedAt: now,
	})
	return s.Dispatcher.Enqueue(ctx, queue.NewJobRef(jobID, queue.JobType(jobType), "normal"))
}

// StatusResult is what get_status returns.
type StatusResult struct {
	JobID        string
	Status       string
	Progress     int
	CreatedAt    time.Time
	ErrorMessage string
	Metadata     map[string]any
}

// GetStatus serves from the registry, falling back to the store for jobs the
// registry does not hold.
func (s *Service) GetStatus(jobID string) (StatusResult, error) {
	if rec, ok := s.Registry.Get(jobID); ok {
		return StatusResult{
			JobID: rec.ID, Status: string(rec.State), Progress: rec.Progress,
			CreatedAt: rec.SubmittedAt, ErrorMessage: rec.Error, Metadata: rec.Metadata,
		}, nil
	}
	job, err := s.Store.Get(jobID)
	if err != nil {
		return StatusResult{}, ErrNotFound
	}
	var metadata map[string]any
	_ = json.Unmarshal([]byte(job.Metadata), &metadata)
	return StatusResult{
		JobID:        job.ID,
		Status:       string(job.State),
		Progress:     job.Progress,
		CreatedAt:    job.CreatedAt,
		ErrorMessage: job.Error,
		Metadata:     metadata,
	}, nil
}

// ListRecent is list_recent(limit=100).
func (s *Service) ListRecent(userID string, limit int) ([]StatusResult, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := s.Store.ListRecent(userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]StatusResult, 0, len(jobs))
	for _, job := range jobs {
		var metadata map[string]any
		_ = json.Unmarshal([]byte(job.Metadata), &metadata)
		out = append(out, StatusResult{
			JobID: job.ID, Status: string(job.State), Progress: job.Progress,
			CreatedAt: job.CreatedAt, ErrorMessage: job.Error, Metadata: metadata,
		})
	}
	return out, nil
}

// Delete removes a job's durable record and its in-process registry entry.
func (s *Service) Delete(jobID string) (bool, error) {
	if _, err := s.Store.Get(jobID); err != nil {
		return false, ErrNotFound
	}
	if err := s.Store.Delete(jobID); err != nil {
		return false, err
	}
	s.Registry.Delete(jobID)
	return true, nil
}

// Cancel is cancel(id): only valid while a job is still queued.
func (s *Service) Cancel(jobID string) (bool, error) {
	job, err := s.Store.Get(jobID)
	if err != nil {
		return false, ErrNotFound
	}
	if job.State != store.StateQueued {
		return false, ErrNotCancellable
	}
	if err := s.Dispatcher.Cancel(jobID); err != nil {
		return false, err
	}
	return true, nil
}
