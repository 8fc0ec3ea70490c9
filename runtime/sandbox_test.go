package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSandbox_CapabilityGating(t *testing.T) {
	s := NewSandbox(ResourceLimits{Capabilities: []Capability{CapHash}})

	require.True(t, s.HasCapability(CapHash))
	require.False(t, s.HasCapability(CapJSON))

	cap, err := s.ValidateHostFunctionCall("hash_commit", nil)
	require.NoError(t, err)
	require.Equal(t, CapHash, cap)

	_, err = s.ValidateHostFunctionCall("json_path", nil)
	require.Error(t, err)
	require.Equal(t, ErrCapabilityNotGranted, err.Kind)

	_, err = s.ValidateHostFunctionCall("not_a_real_function", nil)
	require.Error(t, err)
	require.Equal(t, ErrHostFunctionDenied, err.Kind)
}

func TestSandbox_AllowsImport(t *testing.T) {
	s := NewSandbox(ResourceLimits{Capabilities: []Capability{CapHash}})

	require.True(t, s.AllowsImport("env", "memory"))
	require.True(t, s.AllowsImport("env", "abort"))
	require.True(t, s.AllowsImport("env", "hash_commit"))
	require.False(t, s.AllowsImport("env", "json_path"))
	require.False(t, s.AllowsImport("wasi_snapshot_preview1", "fd_write"))
}

func TestSandbox_AccessLogRecordsBothOutcomes(t *testing.T) {
	s := NewSandbox(ResourceLimits{Capabilities: []Capability{CapHash}})
	_, _ = s.ValidateHostFunctionCall("hash_commit", map[string]string{"call": "1"})
	_, _ = s.ValidateHostFunctionCall("random_bytes", nil)

	log := s.AccessLog()
	require.Len(t, log, 2)
	require.True(t, log[0].Allowed)
	require.False(t, log[1].Allowed)
	require.EqualValues(t, 1, s.HostFunctionCallCount())
}

func TestResourceLimits_AddAndRemoveCapability(t *testing.T) {
	limits := DefaultLimits()
	require.False(t, limits.HasCapability(CapRandom))

	limits = limits.AddCapability(CapRandom)
	require.True(t, limits.HasCapability(CapRandom))

	limits = limits.RemoveCapability(CapRandom)
	require.False(t, limits.HasCapability(CapRandom))
}

func TestProductionLimits_ExcludesTimeCapability(t *testing.T) {
	limits := ProductionLimits()
	require.False(t, limits.HasCapability(CapTime))
	require.True(t, limits.HasCapability(CapHash))
}

func TestDevelopmentLimits_GrantsEveryCapability(t *testing.T) {
	limits := DevelopmentLimits()
	for _, cap := range AllCapabilities() {
		require.True(t, limits.HasCapability(cap))
	}
}
