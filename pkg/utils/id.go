package utils

import (
	"github.com/google/uuid"
)

// NewSessionID generates a unique broadcast session ID
func NewSessionID() string {
	return uuid.NewString()
}

// NewViewerID generates a unique viewer ID
func NewViewerID() string {
	return GenerateID("viewer")
}

// NewRequestID generates a unique request ID
func NewRequestID() string {
	return GenerateID("req")
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	id := uuid.New()
	return prefix + "_" + id.String()[:8] + id.String()[9:13]
}
