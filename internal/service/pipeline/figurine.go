package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
	"github.com/printmint/printmint/internal/service/ledger"
	"github.com/printmint/printmint/internal/service/orchestrator"
)

type ledgerService interface {
	Charge(ctx context.Context, userID uuid.UUID, amount int64, ref ledger.Ref, description string) (models.Wallet, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, ref ledger.Ref, description string) (models.Wallet, error)
}

// FigurineService runs the four-stage 3D figurine pipeline: concept,
// a manual approval gate, multi-angle generation, mesh conversion and
// download licensing. Every stage is a separately charged pass through
// the orchestrator; a stage failure refunds that stage only and drops
// the project back to the gate that admits a retry.
type FigurineService struct {
	orch    *orchestrator.Orchestrator
	ledger  ledgerService
	store   objectStore
	storage repository.Storage
	costs   Costs
	logger  logger.Logger
}

func NewFigurineService(orch *orchestrator.Orchestrator, ledgerSvc ledgerService, store objectStore, storage repository.Storage, costs Costs, l logger.Logger) *FigurineService {
	s := &FigurineService{
		orch:    orch,
		ledger:  ledgerSvc,
		store:   store,
		storage: storage,
		costs:   costs,
		logger:  l,
	}

	orch.RegisterHooks(models.JobKindFigurineConcept, orchestrator.Hooks{
		OnSucceeded: s.conceptSucceeded,
	})
	orch.RegisterHooks(models.JobKindFigurineAngles, orchestrator.Hooks{
		OnSucceeded: s.anglesSucceeded,
		OnFailed:    s.anglesFailed,
	})
	orch.RegisterHooks(models.JobKindFigurineConvert, orchestrator.Hooks{
		OnSucceeded: s.convertSucceeded,
		OnFailed:    s.convertFailed,
	})

	return s
}

// CreateProject starts stage one: charge the concept price and queue
// the concept image generation.
func (s *FigurineService) CreateProject(ctx context.Context, userID uuid.UUID, in models.FigurineConceptInput) (models.FigurineProject, models.Job, models.Wallet, error) {
	var job models.Job
	var wallet models.Wallet

	project, err := s.storage.Figurine().CreateProject(ctx, userID, in.Prompt)
	if err != nil {
		return project, job, wallet, err
	}

	input, err := models.MarshalPayload(in)
	if err != nil {
		return project, job, wallet, err
	}

	job, wallet, err = s.orch.Start(ctx, orchestrator.StartRequest{
		UserID:      userID,
		Kind:        models.JobKindFigurineConcept,
		Cost:        s.costs.FigurineConcept,
		Input:       input,
		ProjectID:   &project.ID,
		Description: "figurine concept generation",
	})
	if err != nil {
		// Admission failed, drop the empty project shell
		if delErr := s.storage.Figurine().DeleteProject(ctx, project.ID); delErr != nil {
			s.logger.Warn("Failed to delete unadmitted project", "project_id", project.ID, "error", delErr)
		}
		return project, job, wallet, err
	}

	return project, job, wallet, nil
}

// GetProject returns the project with its stage jobs and licenses.
func (s *FigurineService) GetProject(ctx context.Context, userID uuid.UUID, projectID uuid.UUID) (models.FigurineProject, []models.Job, []models.FigurineLicense, error) {
	project, err := s.storage.Figurine().GetProject(ctx, projectID, userID)
	if err != nil {
		return project, nil, nil, err
	}

	jobs, err := s.storage.Job().ListProjectJobs(ctx, projectID)
	if err != nil {
		return project, nil, nil, err
	}

	licenses, err := s.storage.Figurine().ListLicenses(ctx, projectID)
	if err != nil {
		return project, nil, nil, err
	}

	return project, jobs, licenses, nil
}

// Approve is the manual gate between concept and angles: the user
// accepts the concept image and pays for the multi-angle stage. The
// gate transition runs before the charge so concurrent approvals
// collapse to one; if the charge is then rejected the gate rolls back.
func (s *FigurineService) Approve(ctx context.Context, userID uuid.UUID, projectID uuid.UUID) (models.Job, models.Wallet, error) {
	var job models.Job
	var wallet models.Wallet

	project, err := s.storage.Figurine().GetProject(ctx, projectID, userID)
	if err != nil {
		return job, wallet, err
	}
	if project.Status != models.ProjectStatusAwaitingApproval || project.ConceptPath == nil {
		return job, wallet, fmt.Errorf("%w: status %s", apperrors.ErrInvalidGateTransition, project.Status)
	}

	project, err = s.storage.Figurine().TransitionProject(ctx, projectID,
		models.ProjectStatusAwaitingApproval, models.ProjectStatusAnglesGenerating, repository.ProjectPatch{})
	if err != nil {
		return job, wallet, err
	}

	input, err := models.MarshalPayload(models.FigurineAnglesInput{ConceptPath: *project.ConceptPath})
	if err != nil {
		return job, wallet, err
	}

	job, wallet, err = s.orch.Start(ctx, orchestrator.StartRequest{
		UserID:      userID,
		Kind:        models.JobKindFigurineAngles,
		Cost:        s.costs.FigurineAngles,
		Input:       input,
		ProjectID:   &project.ID,
		Description: "figurine angle generation",
	})
	if err != nil {
		s.revertProject(ctx, projectID, models.ProjectStatusAnglesGenerating, models.ProjectStatusAwaitingApproval)
		return job, wallet, err
	}

	return job, wallet, nil
}

// Convert starts the mesh conversion stage. All four directional
// images must exist; a partial set is rejected before any charge.
func (s *FigurineService) Convert(ctx context.Context, userID uuid.UUID, projectID uuid.UUID) (models.Job, models.Wallet, error) {
	var job models.Job
	var wallet models.Wallet

	project, err := s.storage.Figurine().GetProject(ctx, projectID, userID)
	if err != nil {
		return job, wallet, err
	}
	if project.Status != models.ProjectStatusAnglesReady {
		return job, wallet, fmt.Errorf("%w: status %s", apperrors.ErrInvalidGateTransition, project.Status)
	}
	if !project.HasAllAngles() {
		return job, wallet, apperrors.ErrIncompleteAngles
	}

	project, err = s.storage.Figurine().TransitionProject(ctx, projectID,
		models.ProjectStatusAnglesReady, models.ProjectStatusConverting, repository.ProjectPatch{})
	if err != nil {
		return job, wallet, err
	}

	input, err := models.MarshalPayload(models.FigurineConvertInput{AnglePaths: project.AnglePaths})
	if err != nil {
		return job, wallet, err
	}

	job, wallet, err = s.orch.Start(ctx, orchestrator.StartRequest{
		UserID:      userID,
		Kind:        models.JobKindFigurineConvert,
		Cost:        s.costs.FigurineConvert,
		Input:       input,
		ProjectID:   &project.ID,
		Description: "figurine mesh conversion",
	})
	if err != nil {
		s.revertProject(ctx, projectID, models.ProjectStatusConverting, models.ProjectStatusAnglesReady)
		return job, wallet, err
	}

	return job, wallet, nil
}

// PurchaseLicense records a one-time download tier purchase.
// Idempotent per (project, tier): owning the tier already rejects the
// purchase before any charge.
func (s *FigurineService) PurchaseLicense(ctx context.Context, userID uuid.UUID, projectID uuid.UUID, tier string) (models.Wallet, error) {
	var wallet models.Wallet

	cost, err := s.licenseCost(tier)
	if err != nil {
		return wallet, err
	}

	project, err := s.storage.Figurine().GetProject(ctx, projectID, userID)
	if err != nil {
		return wallet, err
	}
	if project.Status != models.ProjectStatusCompleted {
		return wallet, fmt.Errorf("%w: status %s", apperrors.ErrInvalidGateTransition, project.Status)
	}

	owned, err := s.storage.Figurine().ListLicenses(ctx, projectID)
	if err != nil {
		return wallet, err
	}
	for _, l := range owned {
		if l.Tier == tier {
			return wallet, apperrors.ErrAlreadyLicensed
		}
	}

	wallet, err = s.ledger.Charge(ctx, userID, cost, ledger.Ref{ID: projectID, Type: models.ReferenceTypeLicense}, tier+" license")
	if err != nil {
		return wallet, err
	}

	added, err := s.storage.Figurine().AddLicense(ctx, projectID, tier)
	if err != nil || !added {
		// Lost a purchase race after charging: undo the charge
		if _, refundErr := s.ledger.Refund(ctx, userID, cost, ledger.Ref{ID: projectID, Type: models.ReferenceTypeLicense}, tier+" license purchase reverted"); refundErr != nil {
			s.logger.Error("Failed to revert license charge", "project_id", projectID, "tier", tier, "error", refundErr)
		}
		if err != nil {
			return wallet, err
		}
		return wallet, apperrors.ErrAlreadyLicensed
	}

	return wallet, nil
}

// DownloadURL presigns a mesh download. Any purchased license unlocks
// both formats.
func (s *FigurineService) DownloadURL(ctx context.Context, userID uuid.UUID, projectID uuid.UUID, format string) (string, error) {
	project, err := s.storage.Figurine().GetProject(ctx, projectID, userID)
	if err != nil {
		return "", err
	}

	licenses, err := s.storage.Figurine().ListLicenses(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(licenses) == 0 {
		return "", apperrors.ErrNoLicense
	}

	var path *string
	switch format {
	case "glb":
		path = project.MeshGLBPath
	case "stl":
		path = project.MeshSTLPath
	default:
		return "", fmt.Errorf("unknown mesh format %q", format)
	}
	if path == nil {
		return "", apperrors.ErrJobNotReady
	}

	return s.store.PresignedURL(ctx, *path)
}

func (s *FigurineService) licenseCost(tier string) (int64, error) {
	switch tier {
	case models.LicenseTierPersonal:
		return s.costs.LicensePersonal, nil
	case models.LicenseTierCommercial:
		return s.costs.LicenseCommercial, nil
	default:
		return 0, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedLicenseTier, tier)
	}
}

// Stage hooks, called by the orchestrator on terminal job transitions.

func (s *FigurineService) conceptSucceeded(ctx context.Context, job models.Job) {
	var output models.ImageOutput
	if err := unmarshalOutput(job.Output, &output); err != nil {
		s.logger.Error("Concept job output unreadable", "job_id", job.ID, "error", err)
		return
	}

	s.advanceProject(ctx, job,
		models.ProjectStatusConceptGenerating, models.ProjectStatusAwaitingApproval,
		repository.ProjectPatch{ConceptPath: &output.Path})
}

func (s *FigurineService) anglesSucceeded(ctx context.Context, job models.Job) {
	var output models.AnglesOutput
	if err := unmarshalOutput(job.Output, &output); err != nil {
		s.logger.Error("Angles job output unreadable", "job_id", job.ID, "error", err)
		return
	}

	s.advanceProject(ctx, job,
		models.ProjectStatusAnglesGenerating, models.ProjectStatusAnglesReady,
		repository.ProjectPatch{AnglePaths: output.Paths})
}

func (s *FigurineService) anglesFailed(ctx context.Context, job models.Job) {
	// Back to the approval gate so the stage can be paid for again
	s.advanceProject(ctx, job,
		models.ProjectStatusAnglesGenerating, models.ProjectStatusAwaitingApproval,
		repository.ProjectPatch{})
}

func (s *FigurineService) convertSucceeded(ctx context.Context, job models.Job) {
	var output models.MeshOutput
	if err := unmarshalOutput(job.Output, &output); err != nil {
		s.logger.Error("Convert job output unreadable", "job_id", job.ID, "error", err)
		return
	}

	s.advanceProject(ctx, job,
		models.ProjectStatusConverting, models.ProjectStatusCompleted,
		repository.ProjectPatch{MeshGLBPath: &output.GLBPath, MeshSTLPath: &output.STLPath})
}

func (s *FigurineService) convertFailed(ctx context.Context, job models.Job) {
	s.advanceProject(ctx, job,
		models.ProjectStatusConverting, models.ProjectStatusAnglesReady,
		repository.ProjectPatch{})
}

func (s *FigurineService) advanceProject(ctx context.Context, job models.Job, from, to string, patch repository.ProjectPatch) {
	if job.ProjectID == nil {
		s.logger.Error("Figurine stage job without project", "job_id", job.ID, "kind", job.Kind)
		return
	}

	if _, err := s.storage.Figurine().TransitionProject(ctx, *job.ProjectID, from, to, patch); err != nil {
		s.logger.Error("Failed to advance project stage",
			"project_id", *job.ProjectID, "from", from, "to", to, "error", err)
	}
}

func (s *FigurineService) revertProject(ctx context.Context, projectID uuid.UUID, from, to string) {
	if _, err := s.storage.Figurine().TransitionProject(ctx, projectID, from, to, repository.ProjectPatch{}); err != nil {
		s.logger.Error("Failed to revert project stage", "project_id", projectID, "from", from, "to", to, "error", err)
	}
}

func unmarshalOutput(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("job has no output payload")
	}
	return json.Unmarshal(raw, v)
}
