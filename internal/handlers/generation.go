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

type jobResponse struct {
	ID            uuid.UUID  `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	ChargedAmount int64      `json:"charged_amount"`
	Refunded      bool       `json:"refunded"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	ProjectID     *uuid.UUID `json:"project_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

type startedJobResponse struct {
	Job     jobResponse `json:"job"`
	Balance int64       `json:"balance"`
}

func renderJob(job models.Job) jobResponse {
	return jobResponse{
		ID:            job.ID,
		CreatedAt:     job.CreatedAt,
		Kind:          job.Kind,
		Status:        job.Status,
		ChargedAmount: job.ChargedAmount,
		Refunded:      job.Refunded,
		ErrorMessage:  job.ErrorMessage,
		ProjectID:     job.ProjectID,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
}

// renderChargeError maps admission failures shared by every paid
// operation: 402 with the shortfall for insufficient funds, 500 with a
// log line otherwise.
func renderChargeError(w http.ResponseWriter, l logger.Logger, err error, action string) {
	type insufficientFundsResponse struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Required  int64  `json:"required"`
		Available int64  `json:"available"`
	}

	if fundsErr, ok := apperrors.AsInsufficientFunds(err); ok {
		render.JSONWithStatus(w, insufficientFundsResponse{
			Error:     render.ServiceErrorType,
			Message:   "Insufficient balance",
			Required:  fundsErr.Required,
			Available: fundsErr.Available,
		}, http.StatusPaymentRequired)
		return
	}

	l.Error("Failed to "+action, "error", err)
	render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
}

func handleStartMockup(generationService generationService, l logger.Logger) http.Handler {
	type request struct {
		DesignDataURL string `json:"design_data_url" validate:"required,imagedataurl"`
		Template      string `json:"template" validate:"required,max=100"`
		Placement     string `json:"placement" validate:"omitempty,max=100"`
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

		job, wallet, err := generationService.StartMockup(r.Context(), user.ID, models.MockupInput{
			DesignDataURL: data.DesignDataURL,
			Template:      data.Template,
			Placement:     data.Placement,
		})
		if err != nil {
			renderChargeError(w, l, err, "start mockup generation")
			return
		}

		render.JSONWithStatus(w, startedJobResponse{Job: renderJob(job), Balance: wallet.Balance}, http.StatusAccepted)
	})
}

func handleStartProductImage(generationService generationService, l logger.Logger) http.Handler {
	type request struct {
		Prompt string `json:"prompt" validate:"required,max=2000"`
		Style  string `json:"style" validate:"omitempty,max=200"`
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

		job, wallet, err := generationService.StartProductImage(r.Context(), user.ID, models.ProductImageInput{
			Prompt: data.Prompt,
			Style:  data.Style,
		})
		if err != nil {
			renderChargeError(w, l, err, "start product image generation")
			return
		}

		render.JSONWithStatus(w, startedJobResponse{Job: renderJob(job), Balance: wallet.Balance}, http.StatusAccepted)
	})
}

func handleGetJob(generationService generationService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := generationService.GetJob(r.Context(), user.ID, jobID)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrJobNotFound):
				render.ServiceError(w, "Job not found", http.StatusNotFound)
			default:
				l.Error("Failed to get job", "job_id", jobID, "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, renderJob(job))
	})
}

func handleJobArtifact(generationService generationService, l logger.Logger) http.Handler {
	type response struct {
		URL string `json:"url"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		url, err := generationService.ArtifactURL(r.Context(), user.ID, jobID)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrJobNotFound):
				render.ServiceError(w, "Job not found", http.StatusNotFound)
			case errors.Is(err, apperrors.ErrJobNotReady):
				render.ServiceError(w, "Job has no artifact yet", http.StatusConflict)
			default:
				l.Error("Failed to presign job artifact", "job_id", jobID, "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{URL: url})
	})
}

func handleDiscardJob(generationService generationService, l logger.Logger) http.Handler {
	type response struct {
		Job     jobResponse `json:"job"`
		Balance int64       `json:"balance"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userOrFail(w, r)
		if !ok {
			return
		}

		jobID, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}

		job, wallet, err := generationService.Discard(r.Context(), user.ID, jobID)
		if err != nil {
			switch {
			case errors.Is(err, apperrors.ErrJobNotFound):
				render.ServiceError(w, "Job not found", http.StatusNotFound)
			case errors.Is(err, apperrors.ErrJobNotDiscardable):
				render.ServiceError(w, "Only succeeded jobs can be discarded", http.StatusConflict)
			case errors.Is(err, apperrors.ErrStaleTransition):
				render.ServiceError(w, "Job changed meanwhile, retry", http.StatusConflict)
			default:
				l.Error("Failed to discard job", "job_id", jobID, "error", err)
				render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			}
			return
		}

		render.JSON(w, response{Job: renderJob(job), Balance: wallet.Balance})
	})
}
