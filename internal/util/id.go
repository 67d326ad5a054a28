package util

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7, optionally prefixed ("char_0190...").
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}
