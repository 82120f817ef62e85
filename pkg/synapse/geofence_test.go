package synapse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func euFence() *ProfileGeoFence {
	return NewProfileGeoFence("eu-west-1", []ResidencyRule{
		{Pattern: "pii:*", Policy: GeoFenceBlock, AllowedRegions: []string{"eu-central-1"}},
		{Pattern: "memory/*", Policy: GeoFenceAllowAnonymized},
		{Pattern: "*", Policy: GeoFenceAllowConsent},
	}, GeoFenceAllow)
}

func TestProfileGeoFenceLocalRegionIsAlwaysAllowed(t *testing.T) {
	g := euFence()
	require.Equal(t, GeoFenceAllow, g.Evaluate("pii:user:123", "eu-west-1"))
}

func TestProfileGeoFenceBlockRuleAllowsExemptedRegion(t *testing.T) {
	g := euFence()
	require.Equal(t, GeoFenceAllow, g.Evaluate("pii:user:123", "eu-central-1"))
}

func TestProfileGeoFenceBlockRuleBlocksElsewhere(t *testing.T) {
	g := euFence()
	require.Equal(t, GeoFenceBlock, g.Evaluate("pii:user:123", "us-east-1"))
}

func TestProfileGeoFenceAnonymizedPattern(t *testing.T) {
	g := euFence()
	require.Equal(t, GeoFenceAllowAnonymized, g.Evaluate("memory/456", "us-east-1"))
}

func TestProfileGeoFenceFallsBackToCatchAllRule(t *testing.T) {
	g := euFence()
	require.Equal(t, GeoFenceAllowConsent, g.Evaluate("state/123", "apac-1"))
}

func TestProfileGeoFenceNoMatchingRuleUsesDefaultPolicy(t *testing.T) {
	g := NewProfileGeoFence("us-east-1", nil, GeoFenceBlock)
	require.Equal(t, GeoFenceBlock, g.Evaluate("anything", "eu-west-1"))
}

func TestProfileGeoFenceEmptyDefaultPolicyDefaultsToAllow(t *testing.T) {
	g := NewProfileGeoFence("us-east-1", nil, "")
	require.Equal(t, GeoFenceAllow, g.Evaluate("anything", "eu-west-1"))
}

func TestErrGeoFenceBlockedNamesJurisdiction(t *testing.T) {
	err := &ErrGeoFenceBlocked{Jurisdiction: "eu", Target: "antarctica-1"}
	require.Contains(t, err.Error(), "eu")
	require.Contains(t, err.Error(), "antarctica-1")
}
