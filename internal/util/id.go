package util

import "github.com/google/uuid"

// NewID returns a collision-resistant identifier for records and assets.
func NewID() string {
	return uuid.NewString()
}
