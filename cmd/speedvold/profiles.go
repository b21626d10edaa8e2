package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ============================================================================
// Profile set operations + persistence codec
// ============================================================================
//
// The profile sequence and active profile id are reducer-owned state (see
// DaemonState). The helpers here implement the store semantics the reducer
// applies:
//   - the profile set is never empty (deleting the last profile reinstates a
//     default)
//   - the active id always references a member while the set is non-empty
//   - updates are validated wholesale and rejected without partial application
//
// Persistence is two opaque JSON records pushed through the Storage
// collaborator on every mutation; restore falls back to a single default
// profile on absent, malformed, or invariant-violating data.
// ============================================================================

// ProfileDefaults is the canonical shape of a freshly created profile. The
// source of truth is the profile_defaults config section; these values seed
// both "add profile" and the reinstated default after deleting the last one.
type ProfileDefaults struct {
	Name       string
	MinSpeed   float64
	MinVolume  float64
	MaxSpeed   float64
	MaxVolume  float64
	SeedSpeed  float64
	SeedVolume float64
}

// newProfile constructs a profile with a fresh identity and the canonical
// default curve (one interior seed point).
func newProfile(name string, def ProfileDefaults) Profile {
	if name == "" {
		name = def.Name
	}
	return Profile{
		ID:   uuid.NewString(),
		Name: name,
		Curve: []CurvePoint{
			{ID: uuid.NewString(), Speed: def.SeedSpeed, Volume: def.SeedVolume},
		},
		MinSpeed:  def.MinSpeed,
		MinVolume: def.MinVolume,
		MaxSpeed:  def.MaxSpeed,
		MaxVolume: def.MaxVolume,
	}
}

// findProfile returns the profile with the given id, if present.
func findProfile(profiles []Profile, id string) (Profile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// replaceProfile validates the candidate and swaps it in by id, preserving
// sequence position. The slice is untouched on any error.
func replaceProfile(profiles []Profile, candidate Profile) error {
	if err := validateProfile(candidate); err != nil {
		return err
	}
	for i, p := range profiles {
		if p.ID == candidate.ID {
			profiles[i] = cloneProfile(candidate)
			return nil
		}
	}
	return fmt.Errorf("unknown profile id %q", candidate.ID)
}

// removeProfile deletes by id and reports whether anything was removed.
func removeProfile(profiles []Profile, id string) ([]Profile, bool) {
	for i, p := range profiles {
		if p.ID == id {
			return append(profiles[:i], profiles[i+1:]...), true
		}
	}
	return profiles, false
}

// ============================================================================
// Persistence codec
// ============================================================================

func encodeProfiles(profiles []Profile) (string, error) {
	b, err := json.Marshal(profiles)
	if err != nil {
		return "", fmt.Errorf("marshal profiles: %w", err)
	}
	return string(b), nil
}

func decodeProfiles(raw string) ([]Profile, error) {
	var profiles []Profile
	if err := json.Unmarshal([]byte(raw), &profiles); err != nil {
		return nil, fmt.Errorf("unmarshal profiles: %w", err)
	}
	return profiles, nil
}

// loadPersistedProfiles restores the profile sequence and active id from the
// Storage collaborator. Absent, empty, malformed, or invariant-violating data
// falls back to a single default profile; corruption is logged and recovered,
// never propagated.
func loadPersistedProfiles(st Storage, def ProfileDefaults, logger *slog.Logger) ([]Profile, string) {
	fallback := func(reason string, err error) ([]Profile, string) {
		if err != nil {
			logger.Warn("restoring default profile", "reason", reason, "error", err)
		}
		p := newProfile(def.Name, def)
		return []Profile{p}, p.ID
	}

	raw, ok, err := st.Load(storageKeyProfiles)
	if err != nil {
		return fallback("storage read failed", err)
	}
	if !ok || raw == "" {
		return fallback("", nil)
	}

	profiles, err := decodeProfiles(raw)
	if err != nil {
		return fallback("malformed profile record", err)
	}
	if len(profiles) == 0 {
		return fallback("", nil)
	}
	for _, p := range profiles {
		if vErr := validateProfile(p); vErr != nil {
			return fallback("persisted profile violates invariants", vErr)
		}
	}

	activeID := profiles[0].ID
	if raw, ok, err = st.Load(storageKeyActiveProfile); err == nil && ok {
		var id string
		if jErr := json.Unmarshal([]byte(raw), &id); jErr == nil {
			if _, found := findProfile(profiles, id); found {
				activeID = id
			}
		} else {
			logger.Warn("malformed active profile record; using first profile", "error", jErr)
		}
	}

	return profiles, activeID
}
