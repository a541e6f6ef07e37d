package vrconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// VRConfig is the part of the tracker server's vrconfig.yml shown on screen. Every
// field is optional; missing fields read as off / zero.
type VRConfig struct {
	Skeleton  *Skeleton  `yaml:"skeleton,omitempty"`
	LegTweaks *LegTweaks `yaml:"legTweaks,omitempty"`
}

// Skeleton holds skeleton settings
type Skeleton struct {
	Toggles *Toggles `yaml:"toggles,omitempty"`
}

// Toggles holds skeleton feature toggles
type Toggles struct {
	SkatingCorrection *bool `yaml:"skatingCorrection,omitempty"`
	FloorClip         *bool `yaml:"floorClip,omitempty"`
}

// LegTweaks holds leg tweak settings
type LegTweaks struct {
	CorrectionStrength *float64 `yaml:"correctionStrength,omitempty"`
}

func (c *VRConfig) toggles() *Toggles {
	if c == nil || c.Skeleton == nil || c.Skeleton.Toggles == nil {
		return nil
	}
	return c.Skeleton.Toggles
}

// FloorClip reports whether floor clip is enabled
func (c *VRConfig) FloorClip() bool {
	t := c.toggles()
	return t != nil && t.FloorClip != nil && *t.FloorClip
}

// SkatingCorrection reports whether skating correction is enabled
func (c *VRConfig) SkatingCorrection() bool {
	t := c.toggles()
	return t != nil && t.SkatingCorrection != nil && *t.SkatingCorrection
}

// CorrectionStrength returns the skating correction strength in [0, 1]
func (c *VRConfig) CorrectionStrength() float64 {
	if c == nil || c.LegTweaks == nil || c.LegTweaks.CorrectionStrength == nil {
		return 0
	}
	return *c.LegTweaks.CorrectionStrength
}

// Parse decodes a vrconfig document
func Parse(data []byte) (*VRConfig, error) {
	var cfg VRConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse vrconfig: %w", err)
	}
	return &cfg, nil
}

// Load reads and decodes path. A missing file yields an empty snapshot.
func Load(path string) (*VRConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &VRConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read vrconfig: %w", err)
	}
	return Parse(data)
}

// Store holds the current snapshot. Snapshots are never mutated once stored, so
// readers may keep the pointer they got.
type Store struct {
	mu      sync.RWMutex
	current *VRConfig
}

// NewStore creates a store holding initial, or an empty snapshot when nil
func NewStore(initial *VRConfig) *Store {
	if initial == nil {
		initial = &VRConfig{}
	}
	return &Store{current: initial}
}

// Get returns the current snapshot
func (s *Store) Get() *VRConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Replace swaps in a new snapshot
func (s *Store) Replace(cfg *VRConfig) {
	if cfg == nil {
		cfg = &VRConfig{}
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
}
