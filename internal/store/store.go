package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ResumeEntry is one persisted download that may be re-offered after restart.
type ResumeEntry struct {
	Destination string `json:"destination" yaml:"destination" mapstructure:"destination"`
	Source      string `json:"source" yaml:"source" mapstructure:"source"`
	Hash        string `json:"hash,omitempty" yaml:"hash,omitempty" mapstructure:"hash"`
}

// Store persists the control plane's durable state: the ordered Resume List and
// the stored plugin configuration blobs. Save calls replace the whole set.
type Store interface {
	EnsureSchema(ctx context.Context) error
	LoadResumes(ctx context.Context) ([]ResumeEntry, error)
	SaveResumes(ctx context.Context, entries []ResumeEntry) error
	LoadConfigurations(ctx context.Context) (map[string]string, error)
	SaveConfigurations(ctx context.Context, configs map[string]string) error
	Close() error
}

var ErrEmptyDSN = errors.New("empty DSN")

// Memory keeps state in process. It is the default when no DSN is configured.
type Memory struct {
	mu      sync.Mutex
	resumes []ResumeEntry
	configs map[string]string
}

func NewMemory() *Memory { return &Memory{configs: map[string]string{}} }

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) LoadResumes(context.Context) ([]ResumeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ResumeEntry(nil), m.resumes...), nil
}

func (m *Memory) SaveResumes(_ context.Context, entries []ResumeEntry) error {
	m.mu.Lock()
	m.resumes = append([]ResumeEntry(nil), entries...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadConfigurations(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyConfigs(m.configs), nil
}

func (m *Memory) SaveConfigurations(_ context.Context, configs map[string]string) error {
	m.mu.Lock()
	m.configs = copyConfigs(configs)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func copyConfigs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sortedKeys keeps writes deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
