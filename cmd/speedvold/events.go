package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events - everything that can happen to the daemon
// ============================================================================
//
// Events are the only way state changes. They come from three places:
//   - user actions (IPC socket, HTTP API, websocket clients)
//   - geo observations posted by the location bridge read loop
//   - the daemon's own clock (Tick)
//
// All of them funnel into a single queue and are reduced one at a time, so no
// handler ever observes a half-applied transition.
// ============================================================================

// Event is the marker interface for daemon events.
type Event interface {
	eventMarker()
}

// TimedEvent pairs an event with the moment it entered the queue. The reducer
// reads time exclusively from here; it never calls time.Now itself.
type TimedEvent struct {
	Event Event
	At    time.Time
}

// Tick fires at the controller cadence and drives time-based transitions
// (the stationary debounce deadline).
type Tick struct {
	Now time.Time
	Dt  time.Duration
}

// ----------------------------------------------------------------------------
// User actions
// ----------------------------------------------------------------------------

// ToggleMaster flips the master enable flag.
type ToggleMaster struct{}

// AddProfile appends a new profile built from the configured defaults; the
// active profile is left unchanged. Reply, when non-nil, receives the created
// profile.
type AddProfile struct {
	Name  string               `json:"name"`
	Reply chan ProfileOpResult `json:"-"`
}

// UpdateProfile replaces an existing profile wholesale. Validation failures
// leave the store untouched and are reported on Reply.
type UpdateProfile struct {
	Profile Profile              `json:"profile"`
	Reply   chan ProfileOpResult `json:"-"`
}

// DeleteProfile removes a profile by id. Deleting the last profile reinstates
// a default one.
type DeleteProfile struct {
	ID    string               `json:"id"`
	Reply chan ProfileOpResult `json:"-"`
}

// SetActiveProfile switches the active profile. Unknown ids are ignored.
type SetActiveProfile struct {
	ID string `json:"id"`
}

// DismissAd hides the currently visible ad and resets the interaction counter.
type DismissAd struct{}

// RequestStateSnapshot asks for a copy of the full daemon state. Reply must
// be buffered; delivery is non-blocking.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

// ----------------------------------------------------------------------------
// Geo observations
// ----------------------------------------------------------------------------

// GeoSample is one normalized speed reading from the location bridge.
type GeoSample struct {
	SpeedMPH int
	At       time.Time
}

// GeoError is a classified failure from the location bridge stream.
type GeoError struct {
	Kind    GeoErrorKind
	Message string
	At      time.Time
}

// GeoPermission reports the bridge's permission status, either from an
// explicit query or pushed mid-stream.
type GeoPermission struct {
	Status PermissionStatus
	At     time.Time
}

func (Tick) eventMarker()                 {}
func (ToggleMaster) eventMarker()         {}
func (AddProfile) eventMarker()           {}
func (UpdateProfile) eventMarker()        {}
func (DeleteProfile) eventMarker()        {}
func (SetActiveProfile) eventMarker()     {}
func (DismissAd) eventMarker()            {}
func (RequestStateSnapshot) eventMarker() {}
func (GeoSample) eventMarker()            {}
func (GeoError) eventMarker()             {}
func (GeoPermission) eventMarker()        {}

// ----------------------------------------------------------------------------
// Wire codec for externally injectable actions
// ----------------------------------------------------------------------------
//
// The IPC socket speaks line-delimited JSON envelopes: {"type": ..., "data":
// ...}. Only user actions are externally injectable; geo observations and
// ticks are internal.

type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	evtToggleMaster     = "toggle_master"
	evtAddProfile       = "add_profile"
	evtUpdateProfile    = "update_profile"
	evtDeleteProfile    = "delete_profile"
	evtSetActiveProfile = "set_active_profile"
	evtDismissAd        = "dismiss_ad"
)

// UnmarshalEvent decodes an external action envelope. Reply channels are not
// part of the wire format; decoded actions are fire-and-forget.
func UnmarshalEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}

	switch env.Type {
	case evtToggleMaster:
		return ToggleMaster{}, nil
	case evtDismissAd:
		return DismissAd{}, nil
	case evtAddProfile:
		var ev AddProfile
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				return nil, fmt.Errorf("malformed %s data: %w", env.Type, err)
			}
		}
		return ev, nil
	case evtUpdateProfile:
		var ev UpdateProfile
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", env.Type, err)
		}
		return ev, nil
	case evtDeleteProfile:
		var ev DeleteProfile
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", env.Type, err)
		}
		return ev, nil
	case evtSetActiveProfile:
		var ev SetActiveProfile
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("malformed %s data: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// MarshalEvent encodes an externally injectable action as an envelope.
func MarshalEvent(ev Event) ([]byte, error) {
	var env eventEnvelope
	var err error

	switch e := ev.(type) {
	case ToggleMaster:
		env.Type = evtToggleMaster
	case DismissAd:
		env.Type = evtDismissAd
	case AddProfile:
		env.Type = evtAddProfile
		env.Data, err = json.Marshal(e)
	case UpdateProfile:
		env.Type = evtUpdateProfile
		env.Data, err = json.Marshal(e)
	case DeleteProfile:
		env.Type = evtDeleteProfile
		env.Data, err = json.Marshal(e)
	case SetActiveProfile:
		env.Type = evtSetActiveProfile
		env.Data, err = json.Marshal(e)
	default:
		return nil, fmt.Errorf("event %T is not externally injectable", ev)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
