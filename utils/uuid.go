package utils

import "github.com/google/uuid"

// UUIDv5 generates a deterministic UUID v5 from name using the URL namespace.
// Used for stable disk IDs across reconciliations.
func UUIDv5(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// NewUUID returns a random UUID string.
func NewUUID() string {
	return uuid.NewString()
}
