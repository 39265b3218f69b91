package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loykin/plugind/internal/store"
)

type state struct {
	Resumes        []store.ResumeEntry `yaml:"resumes"`
	Configurations map[string]string   `yaml:"configurations"`
}

// Store keeps state in a single YAML document, rewritten atomically on every save.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty state file path")
	}
	return &Store{path: p}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) EnsureSchema(context.Context) error {
	return os.MkdirAll(filepath.Dir(s.path), 0o750)
}

func (s *Store) LoadResumes(context.Context) ([]store.ResumeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	return st.Resumes, nil
}

func (s *Store) SaveResumes(_ context.Context, entries []store.ResumeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return err
	}
	st.Resumes = append([]store.ResumeEntry(nil), entries...)
	return s.write(st)
}

func (s *Store) LoadConfigurations(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	if st.Configurations == nil {
		st.Configurations = map[string]string{}
	}
	return st.Configurations, nil
}

func (s *Store) SaveConfigurations(_ context.Context, configs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return err
	}
	st.Configurations = make(map[string]string, len(configs))
	for k, v := range configs {
		st.Configurations[k] = v
	}
	return s.write(st)
}

func (s *Store) Close() error { return nil }

func (s *Store) read() (state, error) {
	var st state
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return st, nil
}

func (s *Store) write(st state) error {
	b, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
