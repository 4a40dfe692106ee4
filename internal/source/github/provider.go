// Package github fetches source artifacts from the GitHub REST API.
package github

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
)

const DefaultAPIURL = "https://api.github.com"

// SecretResolver reads the credential referenced by a source action.
type SecretResolver interface {
	Secret(ctx context.Context, path, field string) (string, error)
}

// Config holds configuration for the GitHub provider.
type Config struct {
	APIURL     string
	HTTPClient *http.Client
	Secrets    SecretResolver
}

// Provider implements run.SourceProvider.
type Provider struct {
	apiURL  string
	client  *http.Client
	secrets SecretResolver
	logger  *slog.Logger
}

// New creates a GitHub source provider.
func New(cfg Config) *Provider {
	apiURL := strings.TrimSuffix(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Provider{
		apiURL:  apiURL,
		client:  client,
		secrets: cfg.Secrets,
		logger:  slog.With("component", "source.github"),
	}
}

// Fetch resolves the branch head, downloads its tarball and extracts it into
// req.Dest with the archive root folder stripped.
func (p *Provider) Fetch(ctx context.Context, req run.SourceRequest) (*run.SourceResult, error) {
	op := fmt.Sprintf("github fetch %s/%s@%s", req.Owner, req.Repository, req.Branch)

	token, err := p.token(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	commit, err := p.commitID(ctx, req, token)
	if err != nil {
		return nil, apperrors.Collaborator(op, err)
	}

	// The tarball is pinned to the resolved commit so it always matches CommitId.
	body, err := p.get(ctx, p.repoURL(req, "tarball", commit), token, "")
	if err != nil {
		return nil, apperrors.Collaborator(op, err)
	}
	defer body.Close()

	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return nil, apperrors.Internal("create source directory", err)
	}
	files, err := extract(body, req.Dest)
	if err != nil {
		return nil, apperrors.Collaborator(op, err)
	}

	p.logger.DebugContext(ctx, "source fetched",
		"repository", req.Owner+"/"+req.Repository,
		"branch", req.Branch,
		"commit", commit,
		"files", files)

	return &run.SourceResult{
		Dir: req.Dest,
		Variables: map[string]string{
			pipeline.VarCommitID:       commit,
			pipeline.VarBranchName:     req.Branch,
			pipeline.VarRepositoryName: req.Repository,
		},
	}, nil
}

func (p *Provider) token(ctx context.Context, ref pipeline.SecretRef) (string, error) {
	if ref.Path == "" {
		return "", nil
	}
	if p.secrets == nil {
		return "", apperrors.Configuration(apperrors.Location{Field: "source.credential"}, "credential configured but no secret store available")
	}
	return p.secrets.Secret(ctx, ref.Path, ref.Field)
}

func (p *Provider) commitID(ctx context.Context, req run.SourceRequest, token string) (string, error) {
	body, err := p.get(ctx, p.repoURL(req, "commits", req.Branch), token, "application/vnd.github.sha")
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 256))
	if err != nil {
		return "", fmt.Errorf("read commit id: %w", err)
	}
	sha := strings.TrimSpace(string(data))
	if sha == "" {
		return "", errors.New("empty commit id")
	}
	return sha, nil
}

func (p *Provider) repoURL(req run.SourceRequest, kind, ref string) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s/%s", p.apiURL,
		url.PathEscape(req.Owner), url.PathEscape(req.Repository), kind, url.PathEscape(ref))
}

func (p *Provider) get(ctx context.Context, u, token, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return resp.Body, nil
}

// extract unpacks a gzipped tarball into dest. GitHub archives wrap their
// content in a single "<owner>-<repo>-<sha>/" folder, which is stripped.
func extract(r io.Reader, dest string) (int, error) {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	files := 0
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read tar header: %w", err)
		}

		name := filepath.ToSlash(filepath.Clean(header.Name))
		if strings.HasPrefix(name, "..") || filepath.IsAbs(header.Name) {
			return files, fmt.Errorf("invalid path in archive: %s", header.Name)
		}
		_, rel, found := strings.Cut(name, "/")
		if !found || rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := writeFile(target, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
				return files, err
			}
			files++
		default:
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o200)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return out.Close()
}
