package main

// Speed unit conversion
const (
	// metersPerSecondToMPH converts raw bridge samples (m/s) into the mph
	// values the volume curves are defined over.
	metersPerSecondToMPH = 2.23694
)

// Volume controller configuration defaults
const (
	defaultTickHz               = 10   // Daemon tick cadence (Hz)
	defaultStationaryDebounceMS = 5000 // Hold before a 0 mph reading drops the volume (ms)
)

// Location bridge defaults
const (
	defaultGeoTimeoutMS     = 10000 // Position timeout requested from the bridge (ms)
	defaultGeoDialTimeoutMS = 2000  // Websocket handshake timeout (ms)
	defaultGeoReadTimeoutMS = 2000  // Timeout for one-shot request/response reads (ms)
)

// Interstitial ad policy
const (
	defaultAdInteractionThreshold = 2 // Profile mutations between interstitials
)

// Persistence record keys (Storage collaborator)
const (
	storageKeyProfiles      = "speedVolumeProfiles"
	storageKeyActiveProfile = "speedVolumeActiveProfileId"
)
