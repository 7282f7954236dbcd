package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const metadataFile = ".metadata"

// RunRecord lists the hashes hit and missed during one run.
type RunRecord struct {
	Hits   []string `json:"hits"`
	Misses []string `json:"misses"`
}

// Metadata is the per-run hit/miss journal persisted to .metadata.
type Metadata struct {
	mu   sync.Mutex
	path string
	runs map[string]*RunRecord
}

// LoadMetadata reads dir/.metadata, starting empty when the file is absent.
func LoadMetadata(dir string) (*Metadata, error) {
	m := &Metadata{path: filepath.Join(dir, metadataFile), runs: map[string]*RunRecord{}}
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m.runs); err != nil {
		return nil, fmt.Errorf("cache metadata %s: %w", m.path, err)
	}
	if m.runs == nil {
		m.runs = map[string]*RunRecord{}
	}
	return m, nil
}

func (m *Metadata) RecordHit(runID, hash string) error {
	return m.record(runID, hash, true)
}

func (m *Metadata) RecordMiss(runID, hash string) error {
	return m.record(runID, hash, false)
}

func (m *Metadata) record(runID, hash string, hit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok || rec == nil {
		rec = &RunRecord{Hits: []string{}, Misses: []string{}}
		m.runs[runID] = rec
	}
	if hit {
		rec.Hits = append(rec.Hits, hash)
	} else {
		rec.Misses = append(rec.Misses, hash)
	}
	return m.persistLocked()
}

// Run returns a copy of the record for runID.
func (m *Metadata) Run(runID string) (RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok || rec == nil {
		return RunRecord{}, false
	}
	return RunRecord{
		Hits:   append([]string(nil), rec.Hits...),
		Misses: append([]string(nil), rec.Misses...),
	}, true
}

// RunIDs lists the recorded runs in lexical order.
func (m *Metadata) RunIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Metadata) persistLocked() error {
	raw, err := json.MarshalIndent(m.runs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.path, raw)
}
