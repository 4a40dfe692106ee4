package pipeline

import (
	"cdpipeline/internal/apperrors"
)

// ArtifactRegistry is the global artifact namespace of a pipeline under
// construction. Each name has exactly one producer.
type ArtifactRegistry struct {
	artifacts map[string]*Artifact
}

// NewArtifactRegistry creates an empty namespace.
func NewArtifactRegistry() *ArtifactRegistry {
	return &ArtifactRegistry{artifacts: make(map[string]*Artifact)}
}

// Register records producer as the only producer of name.
func (r *ArtifactRegistry) Register(name string, producer ActionID) error {
	if existing, ok := r.artifacts[name]; ok {
		return apperrors.DuplicateArtifact(name, string(existing.Producer), string(producer))
	}
	r.artifacts[name] = &Artifact{Name: name, Producer: producer}
	return nil
}

// Lookup returns the artifact registered under name.
func (r *ArtifactRegistry) Lookup(name string) (*Artifact, bool) {
	a, ok := r.artifacts[name]
	return a, ok
}

// consume records consumer as a reader of name. The artifact must exist.
func (r *ArtifactRegistry) consume(name string, consumer ActionID) {
	a := r.artifacts[name]
	a.Consumers = append(a.Consumers, consumer)
}

// snapshot returns the namespace as a map for the definition.
func (r *ArtifactRegistry) snapshot() map[string]*Artifact {
	out := make(map[string]*Artifact, len(r.artifacts))
	for name, a := range r.artifacts {
		out[name] = a
	}
	return out
}
