package system

import "github.com/google/uuid"

// GenerateUUID returns a new random UUID string. No package in this
// module calls it; pkg/bus generates its subscription IDs itself.
func GenerateUUID() string {
	return uuid.New().String()
}
