package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account holder. Username is unique; the password is kept
// only as a bcrypt hash.
type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	HashedPassword string
}
