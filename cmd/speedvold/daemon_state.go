package main

import (
	"time"
)

// ============================================================================
// Daemon state
// ============================================================================
//
// DaemonState is the single authoritative state of the volume controller. It
// is owned by the daemon goroutine and mutated exclusively inside Reduce;
// everything published outward is a deep-copied StateSnapshot.
// ============================================================================

// GeoSourceState tracks the location source's health as seen by the reducer.
type GeoSourceState struct {
	// Permission is the last known location permission status.
	Permission PermissionStatus
	// SignalLost is true while no trustworthy live sample exists: before the
	// first sample after a watch starts, and after any stream error.
	SignalLost bool
	// LastError is a human-readable description of the most recent failure,
	// cleared on recovery. Empty means healthy.
	LastError string
	// SpeedMPH is the most recent normalized speed reading.
	SpeedMPH int
	// Watching is true while a bridge watch subscription is active.
	Watching bool
}

// AdState tracks the interaction counter behind ad display.
type AdState struct {
	// InteractionsSinceLastAd counts profile mutations since the last ad.
	InteractionsSinceLastAd int
	// AdVisible is true while an ad is showing; the counter freezes until
	// the user dismisses it.
	AdVisible bool
}

// DaemonState is the complete controller state.
type DaemonState struct {
	// MasterEnabled gates speed adaptation. Off means volume rests at the
	// active profile's stationary value.
	MasterEnabled bool
	// CurrentVolume is the published playback volume (0-100).
	CurrentVolume int

	// Profiles is the never-empty profile sequence. ActiveProfileID normally
	// references a member, but activation does not check existence, so it can
	// dangle (see ActiveProfile).
	Profiles        []Profile
	ActiveProfileID string

	Geo GeoSourceState

	// StationaryDeadline, when non-zero, is the moment the volume drops to
	// the stationary value unless movement resumes first.
	StationaryDeadline time.Time

	Ads AdState
}

// StateSnapshot is the externally published copy of DaemonState. Profiles are
// deep-copied so consumers can never alias reducer-owned slices.
type StateSnapshot struct {
	MasterEnabled   bool      `json:"masterEnabled"`
	CurrentVolume   int       `json:"currentVolume"`
	Profiles        []Profile `json:"profiles"`
	ActiveProfileID string    `json:"activeProfileId"`

	Permission PermissionStatus `json:"permission"`
	SignalLost bool             `json:"signalLost"`
	GeoError   string           `json:"geoError,omitempty"`
	SpeedMPH   int              `json:"speedMph"`

	AdVisible bool `json:"adVisible"`
}

// newDaemonState builds the startup state from restored profiles. The master
// switch always starts off; enabling it is an explicit user action each
// session. When no location bridge is configured at all the geo source is
// terminally unavailable.
func newDaemonState(profiles []Profile, activeID string, bridgeConfigured bool) *DaemonState {
	s := &DaemonState{
		MasterEnabled:   false,
		Profiles:        profiles,
		ActiveProfileID: activeID,
		Geo: GeoSourceState{
			Permission: PermissionPrompt,
		},
	}
	if !bridgeConfigured {
		s.Geo.Permission = PermissionUnavailable
		s.Geo.SignalLost = true
		s.Geo.LastError = errGeoUnsupported
	}
	s.CurrentVolume = s.restingVolume()
	return s
}

// Snapshot deep-copies the externally visible state.
func (s *DaemonState) Snapshot() StateSnapshot {
	return StateSnapshot{
		MasterEnabled:   s.MasterEnabled,
		CurrentVolume:   s.CurrentVolume,
		Profiles:        cloneProfiles(s.Profiles),
		ActiveProfileID: s.ActiveProfileID,
		Permission:      s.Geo.Permission,
		SignalLost:      s.Geo.SignalLost,
		GeoError:        s.Geo.LastError,
		SpeedMPH:        s.Geo.SpeedMPH,
		AdVisible:       s.Ads.AdVisible,
	}
}

// ActiveProfile returns the active profile. Callers must handle a dangling
// active id: activation does not check existence, so "no active profile" is a
// reachable state.
func (s *DaemonState) ActiveProfile() (Profile, bool) {
	return findProfile(s.Profiles, s.ActiveProfileID)
}

// tracking reports whether live speed samples currently drive the volume.
func (s *DaemonState) tracking() bool {
	return s.MasterEnabled && s.Geo.Permission == PermissionGranted && !s.Geo.SignalLost
}

// volumeAt evaluates the active profile at the given speed, or 0 when no
// active profile exists.
func (s *DaemonState) volumeAt(speed float64) int {
	p, ok := s.ActiveProfile()
	if !ok {
		return 0
	}
	return roundVolume(interpolateVolume(speed, p))
}

// restingVolume is the volume used when not tracking: the active profile
// evaluated at zero speed.
func (s *DaemonState) restingVolume() int {
	return s.volumeAt(0)
}

// recomputeVolume re-evaluates the active curve against the current inputs
// and manages the stationary debounce deadline. Call after any change to the
// speed reading, the profile set, the active id, or the tracking gates.
func (s *DaemonState) recomputeVolume(now time.Time, debounce time.Duration) {
	if !s.tracking() {
		s.StationaryDeadline = time.Time{}
		s.CurrentVolume = s.restingVolume()
		return
	}

	if s.Geo.SpeedMPH > 0 {
		s.StationaryDeadline = time.Time{}
		s.CurrentVolume = s.volumeAt(float64(s.Geo.SpeedMPH))
		return
	}

	// Stationary: hold the current volume until the debounce deadline
	// passes, then settle to the resting value. Repeated zero samples must
	// not push the deadline out.
	if s.StationaryDeadline.IsZero() {
		s.StationaryDeadline = now.Add(debounce)
		return
	}
	if !now.Before(s.StationaryDeadline) {
		s.StationaryDeadline = time.Time{}
		s.CurrentVolume = s.restingVolume()
	}
}
