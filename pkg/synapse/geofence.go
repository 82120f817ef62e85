package synapse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GeoFenceDecision is one of the verdicts a geo-fence policy may return
// for a (key, target region) pair (§4.4 "Geo-fenced replication").
type GeoFenceDecision string

const (
	GeoFenceBlock           GeoFenceDecision = "block"
	GeoFenceAllow           GeoFenceDecision = "allow"
	GeoFenceAllowAnonymized GeoFenceDecision = "allow-anonymized"
	GeoFenceAllowConsent    GeoFenceDecision = "allow-with-consent"
)

// GeoFencePolicy is the collaborator contract the sync engine calls out
// to before replicating a node to target: a pure function of the node's
// key pattern and the destination region. Implementations must not
// mutate state or block.
type GeoFencePolicy interface {
	Evaluate(key, target string) GeoFenceDecision
}

// ResidencyRule is one data-residency rule: a key pattern, the policy
// it carries, and the regions that policy exempts regardless of the
// policy's default verdict.
type ResidencyRule struct {
	Pattern        string           `yaml:"pattern"`
	Policy         GeoFenceDecision `yaml:"policy"`
	AllowedRegions []string         `yaml:"allowed_regions"`
}

// JurisdictionProfile configures one replica's geo-fence: its own
// region, an ordered rule list evaluated first-match-wins, and the
// policy applied when nothing matches.
type JurisdictionProfile struct {
	Code          string           `yaml:"code"`
	LocalRegion   string           `yaml:"local_region"`
	DefaultPolicy GeoFenceDecision `yaml:"default_policy"`
	Rules         []ResidencyRule  `yaml:"rules"`
}

// LoadJurisdictionProfile loads profile_<code>.yaml from profilesDir,
// grounded on the regional profile loader's naming convention.
func LoadJurisdictionProfile(profilesDir, code string) (*JurisdictionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load jurisdiction profile %q: %w", code, err)
	}

	var profile JurisdictionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse jurisdiction profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if profile.DefaultPolicy == "" {
		profile.DefaultPolicy = GeoFenceAllow
	}
	return &profile, nil
}

// ProfileGeoFence is the default GeoFencePolicy implementation: one
// replica's own region plus an ordered residency rule list, evaluated
// first-match-wins against a default policy when nothing matches.
// Grounded on `mesh/geo_fence.rs`'s `GeoFence`: a single `local_region`,
// a `Vec<ResidencyRule>` checked in order, and a `default_policy`
// fallback — not a fold over every known jurisdiction's profile.
type ProfileGeoFence struct {
	localRegion   string
	rules         []ResidencyRule
	defaultPolicy GeoFenceDecision
}

// NewProfileGeoFence builds a fence for localRegion from an ordered
// rule list and the policy applied when no rule matches.
func NewProfileGeoFence(localRegion string, rules []ResidencyRule, defaultPolicy GeoFenceDecision) *ProfileGeoFence {
	if defaultPolicy == "" {
		defaultPolicy = GeoFenceAllow
	}
	return &ProfileGeoFence{localRegion: localRegion, rules: rules, defaultPolicy: defaultPolicy}
}

// LoadProfileGeoFence reads profile_<code>.yaml from profilesDir and
// returns a ready-to-use fence for that jurisdiction.
func LoadProfileGeoFence(profilesDir, code string) (*ProfileGeoFence, error) {
	profile, err := LoadJurisdictionProfile(profilesDir, code)
	if err != nil {
		return nil, err
	}
	return NewProfileGeoFence(profile.LocalRegion, profile.Rules, profile.DefaultPolicy), nil
}

// LocalRegion returns the region this fence was built for.
func (g *ProfileGeoFence) LocalRegion() string { return g.localRegion }

// Evaluate implements GeoFencePolicy. Replication within the local
// region is always allowed. Otherwise the first rule whose pattern
// matches key governs: if target is named in that rule's
// AllowedRegions the transfer is allowed regardless of the rule's
// policy, else the rule's policy is the verdict. No matching rule
// falls back to the fence's default policy.
func (g *ProfileGeoFence) Evaluate(key, target string) GeoFenceDecision {
	if target == g.localRegion {
		return GeoFenceAllow
	}
	for _, rule := range g.rules {
		if !matchesPattern(rule.Pattern, key) {
			continue
		}
		if contains(rule.AllowedRegions, target) {
			return GeoFenceAllow
		}
		return rule.Policy
	}
	return g.defaultPolicy
}

// matchesPattern supports a trailing "*" wildcard and a bare "*" for
// match-everything, otherwise requires an exact match.
func matchesPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}
	return pattern == key
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

// ErrGeoFenceBlocked names the governing jurisdiction that blocked a
// replication attempt (§4.4 "the engine surfaces an error naming the
// governing jurisdiction").
type ErrGeoFenceBlocked struct {
	Jurisdiction string
	Target       string
}

func (e *ErrGeoFenceBlocked) Error() string {
	return fmt.Sprintf("synapse: replication to %q blocked by jurisdiction %q", e.Target, e.Jurisdiction)
}
