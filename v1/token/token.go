// Package token mints holder tokens. A token proves which acquisition owns a
// lock record, so every acquisition attempt must get a fresh one.
package token

import (
	guuid "github.com/google/uuid"
	huuid "github.com/hashicorp/go-uuid"
)

// Generator produces unique holder tokens.
type Generator interface {
	Generate() (string, error)
}

// Func adapts a plain function to Generator.
type Func func() (string, error)

// Generate implements Generator.
func (f Func) Generate() (string, error) { return f() }

// UUID generates random (version 4) UUIDs using google/uuid.
type UUID struct{}

// Generate implements Generator.
func (UUID) Generate() (string, error) {
	id, err := guuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// HashicorpUUID generates UUID-formatted tokens from crypto/rand via
// hashicorp/go-uuid.
type HashicorpUUID struct{}

// Generate implements Generator.
func (HashicorpUUID) Generate() (string, error) {
	return huuid.GenerateUUID()
}

// Default is the generator used when none is configured.
var Default Generator = UUID{}
