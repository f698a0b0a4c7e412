package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusDiscarded = "discarded"
)

const (
	JobKindMockup          = "mockup"
	JobKindProductImage    = "product_image"
	JobKindFigurineConcept = "figurine_concept"
	JobKindFigurineAngles  = "figurine_angles"
	JobKindFigurineConvert = "figurine_convert"
)

// Job is one tracked generation attempt: a single-shot generation or
// one stage of the figurine pipeline.
type Job struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	UserID         uuid.UUID
	Kind           string
	Status         string
	ChargedAmount  int64
	Refunded       bool
	Input          json.RawMessage
	Output         json.RawMessage // nil until succeeded
	ErrorMessage   *string
	ExternalHandle *string // provider's tracking id, nil before submit
	ProjectID      *uuid.UUID
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDiscarded:
		return true
	}
	return false
}

// Per-kind input payloads. One struct per pipeline stage instead of a
// single bag of optional fields; the Kind column tags which one the
// Input jsonb holds.

type MockupInput struct {
	DesignDataURL string `json:"design_data_url,omitempty"`
	DesignPath    string `json:"design_path,omitempty"`
	Template      string `json:"template"`
	Placement     string `json:"placement,omitempty"`
}

type ProductImageInput struct {
	Prompt        string `json:"prompt"`
	Style         string `json:"style,omitempty"`
	ReferencePath string `json:"reference_path,omitempty"`
}

type FigurineConceptInput struct {
	Prompt     string `json:"prompt"`
	StyleNotes string `json:"style_notes,omitempty"`
}

type FigurineAnglesInput struct {
	ConceptPath string `json:"concept_path"`
}

type FigurineConvertInput struct {
	AnglePaths map[string]string `json:"angle_paths"`
}

// Per-kind output payloads.

type ImageOutput struct {
	Path string `json:"path"`
}

type AnglesOutput struct {
	Paths map[string]string `json:"paths"` // keyed by angle name
}

type MeshOutput struct {
	GLBPath string `json:"glb_path"`
	STLPath string `json:"stl_path"`
}

// MarshalPayload encodes a typed job payload for the jsonb column.
func MarshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return b, nil
}
