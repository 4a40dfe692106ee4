// Package params is a file-backed parameter and secret store. Values are read
// at execution time only.
//
// The document is nested YAML keyed by path segment:
//
//	all:
//	  maps:
//	    test:
//	      api-url: https://maps.test.example.edu
//	github:
//	  token:
//	    oauth: ghp_xxx
//
// A path that is absent from the document falls back to an environment
// variable named CDP_PARAM_ followed by the upper-cased path with every
// non-alphanumeric character replaced by "_" (/all/maps/test/api-url becomes
// CDP_PARAM_ALL_MAPS_TEST_API_URL).
package params

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"cdpipeline/internal/apperrors"
)

const (
	delim     = "/"
	envPrefix = "CDP_PARAM_"
)

// ErrParameterNotFound is the cause of a lookup for an unknown path.
var ErrParameterNotFound = errors.New("parameter not found")

// Store resolves parameter and secret paths.
type Store struct {
	k      *koanf.Koanf
	getenv func(string) (string, bool)
}

// New creates an empty store that only consults the environment.
func New() *Store {
	return &Store{k: koanf.New(delim), getenv: os.LookupEnv}
}

// Load reads the YAML document at path. An empty path yields an
// environment-only store.
func Load(path string) (*Store, error) {
	s := New()
	if path == "" {
		return s, nil
	}
	if err := s.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load parameter file %s: %w", path, err)
	}
	return s, nil
}

// Set stores a value under path, replacing any existing one.
func (s *Store) Set(path, value string) error {
	return s.k.Set(key(path), value)
}

// Get returns the value stored under path.
func (s *Store) Get(_ context.Context, path string) (string, error) {
	if v, ok := s.lookup(path); ok {
		return v, nil
	}
	return "", apperrors.Collaborator("parameter store get "+path, ErrParameterNotFound)
}

// Secret returns the secret under path. A non-empty field selects one entry
// of a nested map or of a JSON object value.
func (s *Store) Secret(_ context.Context, path, field string) (string, error) {
	op := "secret store get " + path
	if field == "" {
		if v, ok := s.lookup(path); ok {
			return v, nil
		}
		return "", apperrors.Collaborator(op, ErrParameterNotFound)
	}

	nested := key(path) + delim + field
	if s.k.Exists(nested) {
		return s.k.String(nested), nil
	}
	raw, ok := s.lookup(path)
	if !ok {
		return "", apperrors.Collaborator(op, ErrParameterNotFound)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", apperrors.Collaborator(op, fmt.Errorf("secret is not a JSON object: %w", err))
	}
	v, ok := doc[field]
	if !ok {
		return "", apperrors.Collaborator(op, fmt.Errorf("field %q: %w", field, ErrParameterNotFound))
	}
	if str, isString := v.(string); isString {
		return str, nil
	}
	return fmt.Sprint(v), nil
}

func (s *Store) lookup(path string) (string, bool) {
	k := key(path)
	if k != "" && s.k.Exists(k) {
		if m := s.k.Cut(k); len(m.Keys()) > 0 {
			data, err := json.Marshal(m.Raw())
			if err != nil {
				return "", false
			}
			return string(data), true
		}
		return s.k.String(k), true
	}
	return s.getenv(EnvName(path))
}

// EnvName returns the environment variable consulted for path.
func EnvName(path string) string {
	var b strings.Builder
	b.WriteString(envPrefix)
	for _, r := range strings.Trim(path, delim) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func key(path string) string {
	return strings.Trim(path, delim)
}
