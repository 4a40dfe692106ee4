package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConfiguration(t *testing.T) {
	t.Parallel()
	err := Configuration(Location{Stage: "DeployToTest", Action: "SmokeTests", Field: "runOrder"}, "run order must be positive")

	if !errors.Is(err, ErrConfiguration) {
		t.Error("expected error to match ErrConfiguration")
	}
	want := `stage "DeployToTest", action "SmokeTests", field "runOrder": run order must be positive`
	if err.Error() != want {
		t.Errorf("expected message %q, got %q", want, err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Stage != "DeployToTest" || appErr.Action != "SmokeTests" {
		t.Errorf("expected stage/action to be preserved, got %q/%q", appErr.Stage, appErr.Action)
	}
}

func TestConfiguration_NoLocation(t *testing.T) {
	t.Parallel()
	err := Configuration(Location{}, "at least one stage is required")
	if err.Error() != "at least one stage is required" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestUnresolvedArtifact(t *testing.T) {
	t.Parallel()
	err := UnresolvedArtifact("DeployToProd", "Build_and_Deploy", "InfraCode")

	if !errors.Is(err, ErrConfiguration) {
		t.Error("expected error to match ErrConfiguration")
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Artifact != "InfraCode" {
		t.Errorf("expected artifact 'InfraCode', got %q", appErr.Artifact)
	}
}

func TestDuplicateArtifact(t *testing.T) {
	t.Parallel()
	err := DuplicateArtifact("AppCode", "Source/SourceAppCode", "Source/SourceInfraCode")

	if !errors.Is(err, ErrDuplicateArtifact) {
		t.Error("expected error to match ErrDuplicateArtifact")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Error("expected duplicate artifact to also be a configuration error")
	}
	if errors.Is(err, ErrCollaborator) {
		t.Error("did not expect duplicate artifact to match ErrCollaborator")
	}
	want := `artifact "AppCode" is produced by both Source/SourceAppCode and Source/SourceInfraCode`
	if err.Error() != want {
		t.Errorf("expected message %q, got %q", want, err.Error())
	}
}

func TestCollaborator(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("exit status 128")
	err := Collaborator("git.rev-parse", cause)

	if !errors.Is(err, ErrCollaborator) {
		t.Error("expected error to match ErrCollaborator")
	}
	if errors.Is(err, ErrConfiguration) {
		t.Error("collaborator failure must be distinguishable from configuration errors")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if err.Error() != "git.rev-parse: exit status 128" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestNotFoundAndConflict(t *testing.T) {
	t.Parallel()
	nf := NotFound("run", "abc123")
	if !errors.Is(nf, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if nf.Error() != "run abc123 not found" {
		t.Errorf("unexpected message: %q", nf.Error())
	}

	c := Conflict("gate", "gate already decided")
	if !errors.Is(c, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	var appErr *Error
	if !errors.As(c, &appErr) || appErr.Resource != "gate" {
		t.Error("expected resource 'gate' to be preserved")
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("disk full")
	err := Internal("runstore.save", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("decision", "required"), http.StatusBadRequest},
		{"configuration", Configuration(Location{Stage: "Source"}, "bad"), http.StatusUnprocessableEntity},
		{"duplicate artifact", DuplicateArtifact("a", "x", "y"), http.StatusUnprocessableEntity},
		{"not found", NotFound("run", "123"), http.StatusNotFound},
		{"conflict", Conflict("gate", "decided"), http.StatusConflict},
		{"collaborator", Collaborator("op", fmt.Errorf("fail")), http.StatusBadGateway},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped configuration", fmt.Errorf("wrap: %w", UnresolvedArtifact("s", "a", "x")), http.StatusUnprocessableEntity},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}
