// Package revision resolves source revision identifiers from a code location.
package revision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"cdpipeline/internal/apperrors"
)

// GitLookup resolves the HEAD commit of the git work tree containing a path.
type GitLookup struct {
	// Binary is the git executable. Defaults to "git" on PATH.
	Binary string
}

// Revision returns the full commit id of HEAD for codePath.
func (g GitLookup) Revision(ctx context.Context, codePath string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-C", codePath, "rev-parse", "HEAD")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", apperrors.Collaborator("git rev-parse "+codePath, err)
	}

	rev := strings.TrimSpace(stdout.String())
	if rev == "" {
		return "", apperrors.Collaborator("git rev-parse "+codePath, errors.New("empty revision"))
	}
	return rev, nil
}

// Static always returns the same revision. Useful for pinned builds.
type Static string

// Revision returns the pinned revision.
func (s Static) Revision(context.Context, string) (string, error) {
	return string(s), nil
}
