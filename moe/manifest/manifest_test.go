package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymind/polymind/moe"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadShippedManifest guards the default manifest at the repository
// root: a binary started with stock flags must come up with it.
func TestLoadShippedManifest(t *testing.T) {
	m, err := Load(filepath.Join("..", "..", "experts.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, m.Experts)

	for _, spec := range m.Experts {
		desc, err := spec.Descriptor()
		require.NoErrorf(t, err, "expert %s", spec.ID)
		assert.NotEmpty(t, desc.ID)
	}
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, `
experts:
  - id: restaurant-finder
    display_name: Restaurant Finder
    capability_tags: [food, local]
    keyword_triggers: [restaurant, eat, dinner]
    cost_class: normal
    timeout_ms: 8000
    description: Finds restaurants and reviews near a location.
    prompt: You recommend restaurants.
  - id: chitchat
    capability_tags: [chitchat]
    cost_class: cheap
    prompt: You make small talk.
`)

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Experts, 2)

	desc, err := m.Experts[0].Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "restaurant-finder", desc.ID)
	assert.Equal(t, "Restaurant Finder", desc.DisplayName)
	assert.Equal(t, []string{"restaurant", "eat", "dinner"}, desc.KeywordTriggers)
	assert.Equal(t, moe.CostNormal, desc.CostClass)
	assert.Equal(t, 8*time.Second, desc.Timeout)

	// display_name falls back to the id.
	desc, err = m.Experts[1].Descriptor()
	require.NoError(t, err)
	assert.Equal(t, "chitchat", desc.DisplayName)
	assert.Equal(t, moe.CostCheap, desc.CostClass)
	assert.Zero(t, desc.Timeout)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := writeManifest(t, `
experts:
  - id: a
  - id: a
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate expert id")
}

func TestLoadRejectsUnknownCostClass(t *testing.T) {
	path := writeManifest(t, `
experts:
  - id: a
    cost_class: extravagant
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsEmptyManifest(t *testing.T) {
	path := writeManifest(t, `experts: []`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
