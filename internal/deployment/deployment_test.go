package deployment

import (
	"context"
	"errors"
	"testing"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLookup struct {
	rev   string
	err   error
	paths []string
}

func (l *recordingLookup) Revision(_ context.Context, codePath string) (string, error) {
	l.paths = append(l.paths, codePath)
	return l.rev, l.err
}

func TestResolve_FallbackWithLookup(t *testing.T) {
	t.Parallel()
	lookup := &recordingLookup{rev: "abc123"}
	d, err := Resolve(context.Background(), Input{
		Service:          "maps",
		Project:          "project",
		FallbackCodePath: DefaultFallbackCodePath,
	}, lookup)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, []string{"../app/src"}, lookup.paths)
	assert.Equal(t, "../app/src", d.CodePath)
	assert.Equal(t, "abc123", d.Revision)
	assert.Equal(t, "project@abc123", d.Release)
	assert.Equal(t, pipeline.Plaintext("project@abc123"), d.Bindings["SENTRY_RELEASE"])
}

func TestResolve_ExplicitCodePathSkipsLookup(t *testing.T) {
	t.Parallel()
	lookup := &recordingLookup{rev: "unused"}
	d, err := Resolve(context.Background(), Input{
		Service:          "maps",
		Stage:            "test",
		CodePath:         "/src/maps",
		FallbackCodePath: DefaultFallbackCodePath,
		Revision:         "v1.2.3",
	}, lookup)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Empty(t, lookup.paths, "lookup only runs on the fallback path")
	assert.Equal(t, "maps@v1.2.3", d.Release, "project defaults to service")
	assert.Equal(t, "maps-test", d.StackName)
	assert.Equal(t, "test", d.Environment)
}

func TestResolve_AbsentCodeLocationIsSkipped(t *testing.T) {
	t.Parallel()
	lookup := &recordingLookup{}
	d, err := Resolve(context.Background(), Input{Service: "maps"}, lookup)
	assert.NoError(t, err)
	assert.Nil(t, d)
	assert.Empty(t, lookup.paths)
}

func TestResolve_LookupFailureIsCollaboratorFailure(t *testing.T) {
	t.Parallel()
	cause := errors.New("not a git repository")
	d, err := Resolve(context.Background(), Input{Service: "maps", FallbackCodePath: "../app/src"},
		&recordingLookup{err: cause})
	assert.Nil(t, d)
	assert.ErrorIs(t, err, apperrors.ErrCollaborator)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestResolve_FallbackWithoutLookup(t *testing.T) {
	t.Parallel()
	_, err := Resolve(context.Background(), Input{Service: "maps", FallbackCodePath: "../app/src"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestApplyFallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       Input
		wantPath string
		wantUsed bool
	}{
		{"explicit path kept", Input{CodePath: "src", FallbackCodePath: "fb"}, "src", false},
		{"fallback applied", Input{FallbackCodePath: "fb", Revision: "stale"}, "fb", true},
		{"nothing to apply", Input{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, used := ApplyFallback(tt.in)
			assert.Equal(t, tt.wantPath, out.CodePath)
			assert.Equal(t, tt.wantUsed, used)
			if used {
				assert.Empty(t, out.Revision)
			}
		})
	}
}

func TestBuild_DerivedMetadata(t *testing.T) {
	t.Parallel()
	d, err := Build(Input{
		Service:   "maps",
		CodePath:  "src",
		StackName: "custom-stack",
		Imports:   map[string]string{"DIRECT_ENDPOINT": "direct-dev-api-url"},
		Owner:     "jdoe",
		Contact:   "jdoe@example.edu",
	})
	require.NoError(t, err)

	assert.Equal(t, "custom-stack", d.StackName)
	assert.Equal(t, DefaultStage, d.Environment)
	assert.Empty(t, d.Release, "no revision, no release")
	assert.NotContains(t, d.Bindings, "SENTRY_RELEASE")
	assert.Equal(t, pipeline.FromParameter("/all/maps/dev/sentry_dsn"), d.Bindings["SENTRY_DSN"])
	assert.Equal(t, pipeline.Plaintext("dev"), d.Bindings["SENTRY_ENVIRONMENT"])
	assert.Equal(t, pipeline.FromImport("direct-dev-api-url"), d.Bindings["DIRECT_ENDPOINT"])
	assert.Equal(t, map[string]string{"Owner": "jdoe", "Contact": "jdoe@example.edu", "Stage": "dev"}, d.Tags)
}

func TestBuild_RequiresService(t *testing.T) {
	t.Parallel()
	_, err := Build(Input{CodePath: "src"})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestLookupFunc(t *testing.T) {
	t.Parallel()
	var lookup RevisionLookup = LookupFunc(func(_ context.Context, p string) (string, error) {
		return "rev-" + p, nil
	})
	rev, err := lookup.Revision(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "rev-x", rev)
}
