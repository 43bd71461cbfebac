package faces

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Encoding is a face embedding produced by the face tool.
type Encoding []float64

// Profile is one known person.
type Profile struct {
	Name      string
	Encodings []Encoding
}

// Match is the closest known face to a probe.
type Match struct {
	Name       string
	Distance   float64
	Confidence float64
}

// store keeps one JSON file of encodings per name under dir.
type store struct {
	dir string
	mu  sync.Mutex
}

func newStore(dir string) (*store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create faces dir: %w", err)
	}
	return &store{dir: dir}, nil
}

func (s *store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Add appends an encoding to name's profile and returns its image count.
func (s *store) Add(name string, enc Encoding) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encs, err := s.read(name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	encs = append(encs, enc)
	data, err := json.Marshal(encs)
	if err != nil {
		return 0, err
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return 0, err
	}
	return len(encs), nil
}

func (s *store) read(name string) ([]Encoding, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, err
	}
	var encs []Encoding
	if err := json.Unmarshal(data, &encs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return encs, nil
}

// Profiles returns every stored profile sorted by name.
func (s *store) Profiles() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Profile
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok {
			continue
		}
		encs, err := s.read(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Profile{Name: name, Encodings: encs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes name's profile and reports whether it existed.
func (s *store) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Best finds the closest known face to any probe within tolerance.
func Best(profiles []Profile, probes []Encoding, tolerance float64) (Match, bool) {
	best := Match{Distance: math.Inf(1)}
	for _, probe := range probes {
		for _, p := range profiles {
			for _, enc := range p.Encodings {
				if d := distance(enc, probe); d < best.Distance {
					best = Match{Name: p.Name, Distance: d}
				}
			}
		}
	}
	if best.Name == "" || best.Distance > tolerance {
		return Match{}, false
	}
	best.Confidence = (1 - best.Distance) * 100
	return best, true
}

func distance(a, b Encoding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
