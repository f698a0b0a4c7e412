package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/service/inference"
	"github.com/printmint/printmint/internal/service/ledger"
)

const (
	defaultWorkers         = 4
	defaultProduceInterval = 5 * time.Second
	defaultRunCeiling      = 5 * time.Minute
	defaultQueueSize       = 64
	defaultFetchTimeout    = 30 * time.Second

	// Queued jobs younger than this are assumed to be in flight via the
	// direct handoff channel; the producer only picks up older ones so
	// it never races an admission still stashing input artifacts.
	queuedGracePeriod = 30 * time.Second
)

type gateway interface {
	Submit(ctx context.Context, kind string, input json.RawMessage) (string, error)
	Poll(ctx context.Context, handle string) (inference.Result, error)
}

type objectStore interface {
	Upload(ctx context.Context, data []byte, key string) (string, error)
	Delete(ctx context.Context, key string)
}

type ledgerService interface {
	Charge(ctx context.Context, userID uuid.UUID, amount int64, ref ledger.Ref, description string) (models.Wallet, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, ref ledger.Ref, description string) (models.Wallet, error)
}

// Hooks let a pipeline controller observe terminal job transitions,
// e.g. to advance a figurine project's stage.
type Hooks struct {
	OnSucceeded func(ctx context.Context, job models.Job)
	OnFailed    func(ctx context.Context, job models.Job)
}

type Config struct {
	Workers         int
	ProduceInterval time.Duration
	RunCeiling      time.Duration
	QueueSize       int
}

// StartRequest describes one admission-controlled generation attempt.
type StartRequest struct {
	UserID    uuid.UUID
	Kind      string
	Cost      int64
	Input     json.RawMessage
	ProjectID *uuid.UUID

	// Optional: moves input artifacts to durable storage after the job
	// record exists and returns the rewritten input payload. An error
	// here fails the job and refunds synchronously, before the caller
	// gets a response.
	Stash func(ctx context.Context, job models.Job) (json.RawMessage, error)

	Description string
}

// Orchestrator drives jobs through
// queued -> running -> succeeded | failed, charging on admission and
// refunding exactly once on any failure path.
type Orchestrator struct {
	ledger  ledgerService
	storage repository.Storage
	gateway gateway
	store   objectStore
	logger  logger.Logger

	workers         int
	produceInterval time.Duration
	runCeiling      time.Duration

	direct chan models.Job
	hooks  map[string]Hooks

	httpClient *http.Client
}

func New(cfg Config, ledger ledgerService, storage repository.Storage, gw gateway, store objectStore, l logger.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ProduceInterval <= 0 {
		cfg.ProduceInterval = defaultProduceInterval
	}
	if cfg.RunCeiling <= 0 {
		cfg.RunCeiling = defaultRunCeiling
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return &Orchestrator{
		ledger:          ledger,
		storage:         storage,
		gateway:         gw,
		store:           store,
		logger:          l,
		workers:         cfg.Workers,
		produceInterval: cfg.ProduceInterval,
		runCeiling:      cfg.RunCeiling,
		direct:          make(chan models.Job, cfg.QueueSize),
		hooks:           map[string]Hooks{},
		httpClient:      &http.Client{Timeout: defaultFetchTimeout},
	}
}

// RegisterHooks installs terminal-transition callbacks for a job kind.
// Must be called before Process starts.
func (o *Orchestrator) RegisterHooks(kind string, h Hooks) {
	o.hooks[kind] = h
}

// Start performs the synchronous admission path: charge, create the
// job record, stash input artifacts, hand off to the workers. The
// caller gets the queued job and the post-charge wallet immediately;
// inference latency never blocks this call.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (models.Job, models.Wallet, error) {
	var job models.Job

	jobID := uuid.New()
	wallet, err := o.ledger.Charge(ctx, req.UserID, req.Cost, ledger.Ref{ID: jobID, Type: models.ReferenceTypeJob}, req.Description)
	if err != nil {
		return job, wallet, err
	}

	job, err = o.storage.Job().CreateJob(ctx, models.Job{
		ID:            jobID,
		UserID:        req.UserID,
		Kind:          req.Kind,
		Status:        models.JobStatusQueued,
		ChargedAmount: req.Cost,
		Input:         req.Input,
		ProjectID:     req.ProjectID,
	})
	if err != nil {
		// Charged but no job record: credit back right away. There is
		// no refunded flag to win yet, the job row does not exist.
		if _, refundErr := o.ledger.Refund(ctx, req.UserID, req.Cost, ledger.Ref{ID: jobID, Type: models.ReferenceTypeJob}, "generation could not be queued"); refundErr != nil {
			o.logger.Error("Failed to refund unqueued job", "job_id", jobID, "error", refundErr)
		}
		return job, wallet, err
	}

	if req.Stash != nil {
		input, stashErr := req.Stash(ctx, job)
		if stashErr != nil {
			wallet = o.failAndRefund(ctx, job, fmt.Sprintf("could not store input: %v", stashErr))
			return job, wallet, fmt.Errorf("%w: %w", apperrors.ErrStorageFailure, stashErr)
		}
		job, err = o.storage.Job().Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusQueued, repository.JobPatch{Input: input})
		if err != nil {
			wallet = o.failAndRefund(ctx, job, "could not persist stored input")
			return job, wallet, err
		}
	}

	o.Enqueue(job)

	return job, wallet, nil
}

// Enqueue hands a queued job to the worker pool without blocking; if
// the channel is full the producer tick picks the job up instead.
func (o *Orchestrator) Enqueue(job models.Job) {
	select {
	case o.direct <- job:
	default:
		o.logger.Warn("Direct queue full, job deferred to producer", "job_id", job.ID)
	}
}

// PollAndAdvance opportunistically advances a non-terminal job on the
// read path, so slow provider completions surface without waiting for
// the background sweep. Returns the refreshed job.
func (o *Orchestrator) PollAndAdvance(ctx context.Context, job models.Job) (models.Job, error) {
	if job.Terminal() {
		return job, nil
	}

	o.step(ctx, job)

	return o.storage.Job().GetUserJob(ctx, job.ID, job.UserID)
}

// Discard rejects a succeeded, not-yet-finalized generation: the job
// moves to discarded, the charge is refunded once, and the output
// artifact is deleted best-effort. Jobs belonging to a figurine project
// are finalized through the project's approval gates instead and cannot
// be discarded here.
func (o *Orchestrator) Discard(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (models.Job, models.Wallet, error) {
	var wallet models.Wallet

	job, err := o.storage.Job().GetUserJob(ctx, jobID, userID)
	if err != nil {
		return job, wallet, err
	}

	if job.ProjectID != nil {
		return job, wallet, apperrors.ErrJobNotDiscardable
	}

	if job.Status != models.JobStatusSucceeded {
		if job.Status == models.JobStatusDiscarded || job.Refunded {
			return job, wallet, apperrors.ErrJobAlreadyRefunded
		}
		return job, wallet, apperrors.ErrJobNotDiscardable
	}

	now := time.Now()
	job, err = o.storage.Job().Transition(ctx, job.ID, models.JobStatusSucceeded, models.JobStatusDiscarded, repository.JobPatch{FinishedAt: &now})
	if err != nil {
		if errors.Is(err, apperrors.ErrStaleTransition) {
			return job, wallet, apperrors.ErrJobNotDiscardable
		}
		return job, wallet, err
	}

	wallet = o.refundOnce(ctx, job, "generation discarded")

	var output models.ImageOutput
	if json.Unmarshal(job.Output, &output) == nil && output.Path != "" {
		o.store.Delete(ctx, output.Path)
	}

	return job, wallet, nil
}

// failAndRefund drives a job to failed and applies the refund exactly
// once. Safe to call from duplicate failure deliveries: the transition
// tolerates losing the race and the refund is gated by the job's
// refunded flag.
func (o *Orchestrator) failAndRefund(ctx context.Context, job models.Job, message string) models.Wallet {
	now := time.Now()

	fresh, err := o.storage.Job().Transition(ctx, job.ID, job.Status, models.JobStatusFailed, repository.JobPatch{
		ErrorMessage: &message,
		FinishedAt:   &now,
	})

	switch {
	case err == nil:
		job = fresh
	case errors.Is(err, apperrors.ErrStaleTransition):
		// Somebody moved the job first; refund only if they failed it too
		job, err = o.storage.Job().GetJob(ctx, job.ID)
		if err != nil || job.Status != models.JobStatusFailed {
			return models.Wallet{}
		}
	default:
		o.logger.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
		return models.Wallet{}
	}

	wallet := o.refundOnce(ctx, job, "generation failed")

	if h, ok := o.hooks[job.Kind]; ok && h.OnFailed != nil {
		h.OnFailed(ctx, job)
	}

	return wallet
}

// refundOnce wins the job's refunded flag before crediting the wallet
// so a duplicate failure path can never produce a second refund.
func (o *Orchestrator) refundOnce(ctx context.Context, job models.Job, description string) models.Wallet {
	won, err := o.storage.Job().MarkRefunded(ctx, job.ID)
	if err != nil {
		o.logger.Error("Failed to mark job refunded", "job_id", job.ID, "error", err)
		return models.Wallet{}
	}
	if !won {
		return models.Wallet{}
	}

	wallet, err := o.ledger.Refund(ctx, job.UserID, job.ChargedAmount, ledger.Ref{ID: job.ID, Type: models.ReferenceTypeJob}, description)
	if err != nil {
		// The flag is set but the credit failed; this is the one drift
		// case, loud on purpose
		o.logger.Error("Refund credit failed after winning refund flag", "job_id", job.ID, "amount", job.ChargedAmount, "error", err)
	}

	return wallet
}

// complete persists output artifacts and moves the job to succeeded.
func (o *Orchestrator) complete(ctx context.Context, job models.Job, artifacts []inference.Artifact) {
	output, err := o.persistOutput(ctx, job, artifacts)
	if err != nil {
		o.logger.Error("Failed to persist job output", "job_id", job.ID, "error", err)
		o.failAndRefund(ctx, job, "could not store generated artifact")
		return
	}

	now := time.Now()
	job, err = o.storage.Job().Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusSucceeded, repository.JobPatch{
		Output:     output,
		FinishedAt: &now,
	})
	if err != nil {
		// Lost to a concurrent transition (duplicate completion or a
		// timeout fail); nothing more to do
		if !errors.Is(err, apperrors.ErrStaleTransition) {
			o.logger.Error("Failed to mark job succeeded", "job_id", job.ID, "error", err)
		}
		return
	}

	o.logger.Info("Job succeeded", "job_id", job.ID, "kind", job.Kind)

	if h, ok := o.hooks[job.Kind]; ok && h.OnSucceeded != nil {
		h.OnSucceeded(ctx, job)
	}
}

// persistOutput writes normalized artifacts to their permanent keys
// and builds the job's typed output payload.
func (o *Orchestrator) persistOutput(ctx context.Context, job models.Job, artifacts []inference.Artifact) (json.RawMessage, error) {
	switch job.Kind {
	case models.JobKindMockup, models.JobKindProductImage, models.JobKindFigurineConcept:
		if len(artifacts) < 1 {
			return nil, fmt.Errorf("expected one artifact, got %d", len(artifacts))
		}
		path, err := o.storeArtifact(ctx, artifacts[0], outputKey(job, "image.png"))
		if err != nil {
			return nil, err
		}
		return models.MarshalPayload(models.ImageOutput{Path: path})

	case models.JobKindFigurineAngles:
		if len(artifacts) != len(models.AngleNames) {
			return nil, fmt.Errorf("%w: expected %d angle images, got %d", apperrors.ErrIncompleteAngles, len(models.AngleNames), len(artifacts))
		}
		paths := make(map[string]string, len(artifacts))
		for i, name := range models.AngleNames {
			path, err := o.storeArtifact(ctx, artifacts[i], outputKey(job, name+".png"))
			if err != nil {
				return nil, err
			}
			paths[name] = path
		}
		return models.MarshalPayload(models.AnglesOutput{Paths: paths})

	case models.JobKindFigurineConvert:
		if len(artifacts) != 2 {
			return nil, fmt.Errorf("expected two mesh artifacts, got %d", len(artifacts))
		}
		glb, err := o.storeArtifact(ctx, artifacts[0], outputKey(job, "mesh.glb"))
		if err != nil {
			return nil, err
		}
		stl, err := o.storeArtifact(ctx, artifacts[1], outputKey(job, "mesh.stl"))
		if err != nil {
			return nil, err
		}
		return models.MarshalPayload(models.MeshOutput{GLBPath: glb, STLPath: stl})

	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedJobKind, job.Kind)
	}
}

func (o *Orchestrator) storeArtifact(ctx context.Context, artifact inference.Artifact, key string) (string, error) {
	data := artifact.Data
	if data == nil {
		fetched, err := o.fetchURL(ctx, artifact.URL)
		if err != nil {
			return "", err
		}
		data = fetched
	}

	return o.store.Upload(ctx, data, key)
}

func (o *Orchestrator) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// outputKey places artifacts under the user's namespace, or the
// project's for figurine stages.
func outputKey(job models.Job, name string) string {
	if job.ProjectID != nil {
		return fmt.Sprintf("figurines/%s/%s/%s", job.ProjectID, job.ID, name)
	}
	return fmt.Sprintf("users/%s/%s/%s", job.UserID, job.ID, name)
}
