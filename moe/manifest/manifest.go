// Package manifest loads expert definitions from YAML files. A manifest
// declares the descriptor fields of each expert plus the system prompt its
// chat-backed implementation uses.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polymind/polymind/moe"
)

// ExpertSpec is one expert entry in a manifest file.
type ExpertSpec struct {
	ID              string   `yaml:"id"`
	DisplayName     string   `yaml:"display_name"`
	CapabilityTags  []string `yaml:"capability_tags"`
	KeywordTriggers []string `yaml:"keyword_triggers"`
	CostClass         string `yaml:"cost_class"`
	SupportsStreaming bool   `yaml:"supports_streaming"`
	TimeoutMs         int    `yaml:"timeout_ms"`
	// Model overrides the engine-wide chat model for this expert.
	Model string `yaml:"model"`
	// Description is embedded at startup to give the expert a semantic
	// profile for embedding-based selection.
	Description string `yaml:"description"`
	// Prompt is the system prompt of the chat-backed implementation.
	Prompt string `yaml:"prompt"`
}

// Manifest is the parsed form of an expert definitions file.
type Manifest struct {
	// MinEngineVersion, when set, is the oldest engine release this
	// manifest is written for. Startup refuses older binaries.
	MinEngineVersion string `yaml:"min_engine_version"`

	Experts []ExpertSpec `yaml:"experts"`
}

// Load reads and validates a manifest. When path does not exist relative to
// the working directory it retries relative to the executable, so deployed
// binaries find the manifest shipped next to them.
func Load(path string) (*Manifest, error) {
	data, err := readWithFallback(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Experts) == 0 {
		return fmt.Errorf("no experts defined")
	}
	seen := make(map[string]bool, len(m.Experts))
	for i, e := range m.Experts {
		if e.ID == "" {
			return fmt.Errorf("expert %d: id is required", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate expert id %q", e.ID)
		}
		seen[e.ID] = true
		if _, err := moe.ParseCostClass(e.CostClass); err != nil {
			return fmt.Errorf("expert %q: %w", e.ID, err)
		}
		if e.TimeoutMs < 0 {
			return fmt.Errorf("expert %q: negative timeout", e.ID)
		}
	}
	return nil
}

// Descriptor converts a spec into the engine's descriptor form. The
// semantic embedding is filled in separately since it needs a provider
// call.
func (e ExpertSpec) Descriptor() (moe.ExpertDescriptor, error) {
	cost, err := moe.ParseCostClass(e.CostClass)
	if err != nil {
		return moe.ExpertDescriptor{}, err
	}
	name := e.DisplayName
	if name == "" {
		name = e.ID
	}
	return moe.ExpertDescriptor{
		ID:                e.ID,
		DisplayName:       name,
		CapabilityTags:    e.CapabilityTags,
		KeywordTriggers:   e.KeywordTriggers,
		CostClass:         cost,
		SupportsStreaming: e.SupportsStreaming,
		Timeout:           time.Duration(e.TimeoutMs) * time.Millisecond,
	}, nil
}

func readWithFallback(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if filepath.IsAbs(path) {
		return nil, err
	}

	execPath, execErr := os.Executable()
	if execErr != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(filepath.Dir(execPath), path))
}
