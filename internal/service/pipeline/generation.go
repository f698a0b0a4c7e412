package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/service/orchestrator"
)

// Costs prices every admission-controlled operation in credits.
type Costs struct {
	Mockup          int64
	ProductImage    int64
	FigurineConcept int64
	FigurineAngles  int64
	FigurineConvert int64

	LicensePersonal   int64
	LicenseCommercial int64
}

type objectStore interface {
	UploadDataURL(ctx context.Context, dataURL string, key string) (string, error)
	PresignedURL(ctx context.Context, key string) (string, error)
}

// GenerationService is the controller for the two single-shot
// pipelines: realistic mockups and AI product images. Each request is
// one full pass of the orchestrator's admission algorithm.
type GenerationService struct {
	orch    *orchestrator.Orchestrator
	store   objectStore
	storage repository.Storage
	costs   Costs
}

func NewGenerationService(orch *orchestrator.Orchestrator, store objectStore, storage repository.Storage, costs Costs) *GenerationService {
	return &GenerationService{
		orch:    orch,
		store:   store,
		storage: storage,
		costs:   costs,
	}
}

// StartMockup charges and queues a mockup generation. The uploaded
// design moves to durable storage before the call returns; the
// rendering itself is asynchronous.
func (s *GenerationService) StartMockup(ctx context.Context, userID uuid.UUID, in models.MockupInput) (models.Job, models.Wallet, error) {
	input, err := models.MarshalPayload(in)
	if err != nil {
		return models.Job{}, models.Wallet{}, err
	}

	req := orchestrator.StartRequest{
		UserID:      userID,
		Kind:        models.JobKindMockup,
		Cost:        s.costs.Mockup,
		Input:       input,
		Description: "mockup generation",
	}

	if in.DesignDataURL != "" {
		req.Stash = func(ctx context.Context, job models.Job) (json.RawMessage, error) {
			key := fmt.Sprintf("users/%s/%s/design.png", userID, job.ID)
			path, err := s.store.UploadDataURL(ctx, in.DesignDataURL, key)
			if err != nil {
				return nil, err
			}

			stashed := in
			stashed.DesignDataURL = ""
			stashed.DesignPath = path
			return models.MarshalPayload(stashed)
		}
	}

	return s.orch.Start(ctx, req)
}

// StartProductImage charges and queues an AI product image generation.
func (s *GenerationService) StartProductImage(ctx context.Context, userID uuid.UUID, in models.ProductImageInput) (models.Job, models.Wallet, error) {
	input, err := models.MarshalPayload(in)
	if err != nil {
		return models.Job{}, models.Wallet{}, err
	}

	return s.orch.Start(ctx, orchestrator.StartRequest{
		UserID:      userID,
		Kind:        models.JobKindProductImage,
		Cost:        s.costs.ProductImage,
		Input:       input,
		Description: "product image generation",
	})
}

// GetJob returns the job's current state, opportunistically advancing
// non-terminal jobs against the provider so slow completions surface
// on the read path.
func (s *GenerationService) GetJob(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (models.Job, error) {
	job, err := s.storage.Job().GetUserJob(ctx, jobID, userID)
	if err != nil {
		return job, err
	}

	return s.orch.PollAndAdvance(ctx, job)
}

// Discard rejects a succeeded generation before it is finalized; the
// charge comes back once.
func (s *GenerationService) Discard(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (models.Job, models.Wallet, error) {
	return s.orch.Discard(ctx, userID, jobID)
}

// ArtifactURL presigns a download link for a succeeded job's image.
func (s *GenerationService) ArtifactURL(ctx context.Context, userID uuid.UUID, jobID uuid.UUID) (string, error) {
	job, err := s.storage.Job().GetUserJob(ctx, jobID, userID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusSucceeded {
		return "", fmt.Errorf("%w: status %s", apperrors.ErrJobNotReady, job.Status)
	}

	var output models.ImageOutput
	if err := unmarshalOutput(job.Output, &output); err != nil {
		return "", err
	}

	return s.store.PresignedURL(ctx, output.Path)
}
