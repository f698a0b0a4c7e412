package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/handlers/render"
	"github.com/printmint/printmint/internal/logger"
	"github.com/printmint/printmint/internal/models"
)

type projectResponse struct {
	ID          uuid.UUID         `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Status      string            `json:"status"`
	Prompt      string            `json:"prompt"`
	ConceptPath *string           `json:"concept_path,omitempty"`
	AnglePaths  map[string]string `json:"angle_paths,omitempty"`
	MeshGLBPath *string           `json:"mesh_glb_path,omitempty"`
	MeshSTLPath *string           `json:"mesh_stl_path,omitempty"`
}

func renderProject(p models.FigurineProject) projectResponse {
	return projectResponse{
		ID:          p.ID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		Status:      p.Status,
		Prompt:      p.Prompt,
		ConceptPath: p.ConceptPath,
		AnglePaths:  p.AnglePaths,
		MeshGLBPath: p.MeshGLBPath,
		MeshSTLPath: p.MeshSTLPath,
	}
}

// renderStageError maps figurine stage admission failures on top of the
// shared charge error mapping.
func renderStageError(w http.ResponseWriter, l logger.Logger, err error, action string) {
	switch {
	case errors.Is(err, apperrors.ErrProjectNotFound):
		render.ServiceError(w, "Project not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrInvalidGateTransition):
		render.ServiceError(w, "Project is not at the required stage", http.StatusConflict)
	case errors.Is(err, apperrors.ErrIncompleteAngles):
		render.ServiceError(w, "Project is missing angle images", http.StatusConflict)
	default:
		renderChargeError(w, l, err, action)
	}
}

func handleCreateFigurine(figurineService figurineService, l logger.Logger) http.Handler {
	type request struct {
		Prompt     string `json:"prompt" validate:"required,max=2000"`
		StyleNotes string `json:"style_notes" validate:"omitempty,max=500"`
	}
	type response struct {
		Project projectResponse `json:"project"`
		Job     jobResponse     `json:"job"`
		Balance int64           `json:"balance"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		project, job, wallet, err := figurineService.CreateProject(r.Context(), user.ID, models.FigurineConceptInput{
			Prompt:     data.Prompt,
			StyleNotes: data.StyleNotes,
		})
		if err != nil {
			renderChargeError(w, l, err, "create figurine project")
			return
		}

		render.JSONWithStatus(w, response{
			Project: renderProject(project),
			Job:     renderJob(job),
			Balance: wallet.Balance,
		}, http.StatusAccepted)
	})
}

func handleGetFigurine(figurineService figurineService, l logger.Logger) http.Handler {
	type license struct {
		Tier        string    `json:"tier"`
		PurchasedAt time.Time `json:"purchased_at"`
	}
	type response struct {
		Project  projectResponse `json:"project"`
		Jobs     []jobResponse   `json:"jobs"`
		Licenses []license       `json:"licenses"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		projectID, ok := pathUUID(w, r, "projectID")
		if !ok {
			return
		}

		project, jobs, owned, err := figurineService.GetProject(r.Context(), user.ID, projectID)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrProjectNotFound):
				render.ServiceError(w, "Project not found", http.StatusNotFound)
			default:
				l.Error("Failed to get project", "project_id", projectID, "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		resp := response{
			Project:  renderProject(project),
			Jobs:     make([]jobResponse, 0, len(jobs)),
			Licenses: make([]license, 0, len(owned)),
		}
		for _, j := range jobs {
			resp.Jobs = append(resp.Jobs, renderJob(j))
		}
		for _, lic := range owned {
			resp.Licenses = append(resp.Licenses, license{Tier: lic.Tier, PurchasedAt: lic.PurchasedAt})
		}

		render.JSON(w, resp)
	})
}

func handleApproveFigurine(figurineService figurineService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		projectID, ok := pathUUID(w, r, "projectID")
		if !ok {
			return
		}

		job, wallet, err := figurineService.Approve(r.Context(), user.ID, projectID)
		if err != nil {
			renderStageError(w, l, err, "approve figurine concept")
			return
		}

		render.JSONWithStatus(w, startedJobResponse{Job: renderJob(job), Balance: wallet.Balance}, http.StatusAccepted)
	})
}

func handleConvertFigurine(figurineService figurineService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		projectID, ok := pathUUID(w, r, "projectID")
		if !ok {
			return
		}

		job, wallet, err := figurineService.Convert(r.Context(), user.ID, projectID)
		if err != nil {
			renderStageError(w, l, err, "start figurine conversion")
			return
		}

		render.JSONWithStatus(w, startedJobResponse{Job: renderJob(job), Balance: wallet.Balance}, http.StatusAccepted)
	})
}

func handlePurchaseLicense(figurineService figurineService, l logger.Logger) http.Handler {
	type request struct {
		Tier string `json:"tier" validate:"required,oneof=personal commercial"`
	}
	type response struct {
		Tier    string `json:"tier"`
		Balance int64  `json:"balance"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		projectID, ok := pathUUID(w, r, "projectID")
		if !ok {
			return
		}

		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		wallet, err := figurineService.PurchaseLicense(r.Context(), user.ID, projectID, data.Tier)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrAlreadyLicensed):
				render.ServiceError(w, "Tier already purchased", http.StatusConflict)
			default:
				renderStageError(w, l, err, "purchase license")
			}
			return
		}

		render.JSON(w, response{Tier: data.Tier, Balance: wallet.Balance})
	})
}

func handleFigurineDownload(figurineService figurineService, l logger.Logger) http.Handler {
	type response struct {
		URL string `json:"url"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		projectID, ok := pathUUID(w, r, "projectID")
		if !ok {
			return
		}

		format := r.URL.Query().Get("format")
		if format == "" {
			format = "glb"
		}
		if format != "glb" && format != "stl" {
			render.ServiceError(w, "Format must be glb or stl", http.StatusBadRequest)
			return
		}

		url, err := figurineService.DownloadURL(r.Context(), user.ID, projectID, format)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrProjectNotFound):
				render.ServiceError(w, "Project not found", http.StatusNotFound)
			case errors.Is(err, apperrors.ErrNoLicense):
				render.ServiceError(w, "No license purchased", http.StatusForbidden)
			case errors.Is(err, apperrors.ErrJobNotReady):
				render.ServiceError(w, "Mesh not generated yet", http.StatusConflict)
			default:
				l.Error("Failed to presign mesh download", "project_id", projectID, "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{URL: url})
	})
}
