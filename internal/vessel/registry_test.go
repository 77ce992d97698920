package vessel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vesselgate/internal/core"
)

const vesselsYAML = `
vessels:
  - id: vessel-home
    policy_profile: steward
    tier_config:
      tier0_enabled: true
      tier0_model: phi-mini
      tier2_enabled: true
      tier2_model: cloud-large
  - id: vessel-edge
    policy_profile: open
    tier_config:
      tier1_enabled: true
      tier1_model: llama-edge
`

func TestParse(t *testing.T) {
	vessels, err := Parse([]byte(vesselsYAML))
	require.NoError(t, err)
	require.Len(t, vessels, 2)

	home := vessels[0]
	assert.Equal(t, "vessel-home", home.ID)
	assert.Equal(t, "steward", home.PolicyProfile)
	assert.True(t, home.TierConfig.Enabled(core.Tier0))
	assert.False(t, home.TierConfig.Enabled(core.Tier1))
	assert.Equal(t, "cloud-large", home.TierConfig.Model(core.Tier2))
}

func TestRegistry(t *testing.T) {
	vessels, err := Parse([]byte(vesselsYAML))
	require.NoError(t, err)
	r, err := NewRegistry(vessels...)
	require.NoError(t, err)

	v, err := r.Get("vessel-edge")
	require.NoError(t, err)
	assert.Equal(t, "open", v.PolicyProfile)

	_, err = r.Get("vessel-missing")
	assert.ErrorIs(t, err, core.ErrVesselNotFound)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "vessel-edge", list[0].ID)
}

func TestRegistry_SwapRejectsBadSets(t *testing.T) {
	r, err := NewRegistry(core.Vessel{ID: "a"})
	require.NoError(t, err)

	assert.Error(t, r.Swap([]core.Vessel{{ID: "b"}, {ID: "b"}}))
	assert.Error(t, r.Swap([]core.Vessel{{ID: ""}}))

	_, err = r.Get("a")
	assert.NoError(t, err, "failed swap keeps the previous set")
}

func TestRegistry_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vessels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(vesselsYAML), 0o600))

	r, err := NewRegistry()
	require.NoError(t, err)
	assert.Empty(t, r.List())

	require.NoError(t, r.Reload(path))
	assert.Len(t, r.List(), 2)

	assert.Error(t, r.Reload(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Len(t, r.List(), 2)
}
