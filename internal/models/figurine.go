package models

import (
	"time"

	"github.com/google/uuid"
)

// Figurine project stage statuses. A stage may start only when the
// project sits at the gate that admits it.
const (
	ProjectStatusConceptGenerating = "concept_generating"
	ProjectStatusAwaitingApproval  = "awaiting_approval"
	ProjectStatusAnglesGenerating  = "angles_generating"
	ProjectStatusAnglesReady       = "angles_ready"
	ProjectStatusConverting        = "converting"
	ProjectStatusCompleted         = "completed"
)

const (
	LicenseTierPersonal   = "personal"
	LicenseTierCommercial = "commercial"
)

const (
	AngleFront = "front"
	AngleBack  = "back"
	AngleLeft  = "left"
	AngleRight = "right"
)

// AngleNames lists the directional images a complete angle set requires.
var AngleNames = []string{AngleFront, AngleBack, AngleLeft, AngleRight}

// FigurineProject aggregates the four pipeline stage jobs and their
// artifacts. Artifact paths are object-store keys.
type FigurineProject struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	UserID      uuid.UUID
	Status      string
	Prompt      string
	ConceptPath *string
	AnglePaths  map[string]string // keyed by angle name, may be partial
	MeshGLBPath *string
	MeshSTLPath *string
}

// HasAllAngles reports whether every directional image is present.
func (p FigurineProject) HasAllAngles() bool {
	for _, name := range AngleNames {
		if p.AnglePaths[name] == "" {
			return false
		}
	}
	return true
}

// FigurineLicense is one purchased download tier. At most one row per
// (project, tier); once recorded it unlocks downloads permanently.
type FigurineLicense struct {
	ProjectID   uuid.UUID
	Tier        string
	PurchasedAt time.Time
}
