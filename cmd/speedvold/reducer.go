package main

import (
	"fmt"
	"time"
)

// ============================================================================
// Reducer - pure state transitions
// ============================================================================
//
// Reduce applies one event to the daemon state and returns the side effects
// it requires: commands for the effects layer to execute (persistence, geo
// subscription management, reply delivery) and broadcasts describing what
// changed for websocket fanout.
//
// Reduce itself performs no I/O and never reads the wall clock; every
// time-dependent decision uses the event's timestamp. That keeps the whole
// transition table unit-testable with explicit timestamps.
// ============================================================================

// Command is an effect the daemon must execute after a reduction.
type Command interface {
	commandMarker()
	String() string
}

// CmdPersistProfiles saves the profile sequence and active id.
type CmdPersistProfiles struct {
	Profiles        []Profile
	ActiveProfileID string
}

// CmdGeoQueryPermission asks the location source for its permission status.
type CmdGeoQueryPermission struct{}

// CmdGeoStartWatch subscribes to the location sample stream.
type CmdGeoStartWatch struct{}

// CmdGeoStopWatch tears down the sample stream subscription.
type CmdGeoStopWatch struct{}

// CmdReplyProfileOp delivers a profile operation outcome to a waiting caller.
type CmdReplyProfileOp struct {
	Reply  chan ProfileOpResult
	Result ProfileOpResult
}

// CmdPublishStateSnapshot delivers a state copy to a waiting caller.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPersistProfiles) commandMarker()      {}
func (CmdGeoQueryPermission) commandMarker()   {}
func (CmdGeoStartWatch) commandMarker()        {}
func (CmdGeoStopWatch) commandMarker()         {}
func (CmdReplyProfileOp) commandMarker()       {}
func (CmdPublishStateSnapshot) commandMarker() {}

func (c CmdPersistProfiles) String() string {
	return fmt.Sprintf("PersistProfiles(%d profiles, active=%s)", len(c.Profiles), c.ActiveProfileID)
}
func (CmdGeoQueryPermission) String() string   { return "GeoQueryPermission" }
func (CmdGeoStartWatch) String() string        { return "GeoStartWatch" }
func (CmdGeoStopWatch) String() string         { return "GeoStopWatch" }
func (CmdReplyProfileOp) String() string       { return "ReplyProfileOp" }
func (CmdPublishStateSnapshot) String() string { return "PublishStateSnapshot" }

// ProfileOpResult is the outcome of a profile mutation, delivered on the
// action's reply channel when one is attached.
type ProfileOpResult struct {
	Profile Profile
	Err     error
}

// Broadcast describes an observable state change for websocket fanout.
type Broadcast interface {
	broadcastMarker()
}

type BroadcastVolumeChanged struct {
	Volume int
}

type BroadcastSpeedChanged struct {
	SpeedMPH int
}

type BroadcastGeoStatusChanged struct {
	Permission PermissionStatus
	SignalLost bool
	Error      string
}

type BroadcastMasterChanged struct {
	Enabled bool
}

type BroadcastProfilesChanged struct {
	Profiles        []Profile
	ActiveProfileID string
}

type BroadcastAdChanged struct {
	Visible bool
}

func (BroadcastVolumeChanged) broadcastMarker()    {}
func (BroadcastSpeedChanged) broadcastMarker()     {}
func (BroadcastGeoStatusChanged) broadcastMarker() {}
func (BroadcastMasterChanged) broadcastMarker()    {}
func (BroadcastProfilesChanged) broadcastMarker()  {}
func (BroadcastAdChanged) broadcastMarker()        {}

// ControllerConfig is the reducer's static configuration.
type ControllerConfig struct {
	StationaryDebounce     time.Duration
	ProfileDefaults        ProfileDefaults
	AdInteractionThreshold int
}

// ReduceResult carries the effects of one reduction.
type ReduceResult struct {
	Commands   []Command
	Broadcasts []Broadcast
}

// observables is the diffable slice of state used to derive broadcasts.
type observables struct {
	volume     int
	speed      int
	master     bool
	permission PermissionStatus
	signalLost bool
	geoError   string
	adVisible  bool
	activeID   string
}

func observe(s *DaemonState) observables {
	return observables{
		volume:     s.CurrentVolume,
		speed:      s.Geo.SpeedMPH,
		master:     s.MasterEnabled,
		permission: s.Geo.Permission,
		signalLost: s.Geo.SignalLost,
		geoError:   s.Geo.LastError,
		adVisible:  s.Ads.AdVisible,
		activeID:   s.ActiveProfileID,
	}
}

// Reduce applies ev to s in place and returns the resulting effects.
func Reduce(s *DaemonState, ev TimedEvent, cfg ControllerConfig) ReduceResult {
	var res ReduceResult
	before := observe(s)
	profilesChanged := false
	at := ev.At

	switch e := ev.Event.(type) {
	case Tick:
		s.recomputeVolume(e.Now, cfg.StationaryDebounce)

	case ToggleMaster:
		if s.MasterEnabled {
			s.MasterEnabled = false
			if s.Geo.Watching {
				s.Geo.Watching = false
				res.Commands = append(res.Commands, CmdGeoStopWatch{})
			}
		} else {
			s.MasterEnabled = true
			switch s.Geo.Permission {
			case PermissionUnavailable:
				s.Geo.LastError = errGeoUnsupported
			case PermissionDenied:
				// Re-query in case the user changed device settings since
				// the denial was recorded.
				s.Geo.LastError = "location permission denied"
				res.Commands = append(res.Commands, CmdGeoQueryPermission{})
			case PermissionGranted:
				s.Geo.LastError = ""
				res.Commands = append(res.Commands, s.startWatch()...)
			default: // prompt
				s.Geo.LastError = ""
				res.Commands = append(res.Commands, CmdGeoQueryPermission{})
			}
		}
		s.recomputeVolume(at, cfg.StationaryDebounce)

	case GeoPermission:
		res.Commands = append(res.Commands, s.applyPermission(e.Status)...)
		s.recomputeVolume(at, cfg.StationaryDebounce)

	case GeoSample:
		// A live sample is proof of grant, which matters on the
		// prompt-fallback path where the watch starts before any explicit
		// permission answer arrives.
		s.Geo.Permission = PermissionGranted
		s.Geo.SignalLost = false
		s.Geo.LastError = ""
		s.Geo.SpeedMPH = e.SpeedMPH
		s.recomputeVolume(e.At, cfg.StationaryDebounce)

	case GeoError:
		s.Geo.SignalLost = true
		s.Geo.SpeedMPH = 0
		s.Geo.LastError = e.Message
		if s.Geo.LastError == "" {
			s.Geo.LastError = string(e.Kind)
		}
		if e.Kind == GeoErrPermissionDenied {
			s.Geo.Permission = PermissionDenied
			if s.Geo.Watching {
				s.Geo.Watching = false
				res.Commands = append(res.Commands, CmdGeoStopWatch{})
			}
		}
		s.recomputeVolume(e.At, cfg.StationaryDebounce)

	case AddProfile:
		// Appended only; the caller decides whether to activate it.
		p := newProfile(e.Name, cfg.ProfileDefaults)
		s.Profiles = append(s.Profiles, p)
		profilesChanged = true
		s.bumpInteractions(cfg.AdInteractionThreshold)
		res.Commands = append(res.Commands, s.persistCmd())
		res.Commands = append(res.Commands, replyCmd(e.Reply, ProfileOpResult{Profile: p})...)
		s.recomputeVolume(at, cfg.StationaryDebounce)

	case UpdateProfile:
		if err := replaceProfile(s.Profiles, e.Profile); err != nil {
			res.Commands = append(res.Commands, replyCmd(e.Reply, ProfileOpResult{Err: err})...)
			break
		}
		profilesChanged = true
		s.bumpInteractions(cfg.AdInteractionThreshold)
		res.Commands = append(res.Commands, s.persistCmd())
		res.Commands = append(res.Commands, replyCmd(e.Reply, ProfileOpResult{Profile: e.Profile})...)
		s.recomputeVolume(at, cfg.StationaryDebounce)

	case DeleteProfile:
		remaining, removed := removeProfile(s.Profiles, e.ID)
		// The delete gesture counts as an interaction whether or not the id
		// still exists; double-taps in the UI race the first removal.
		s.bumpInteractions(cfg.AdInteractionThreshold)
		if !removed {
			res.Commands = append(res.Commands,
				replyCmd(e.Reply, ProfileOpResult{Err: fmt.Errorf("unknown profile id %q", e.ID)})...)
			break
		}
		s.Profiles = remaining
		if len(s.Profiles) == 0 {
			p := newProfile(cfg.ProfileDefaults.Name, cfg.ProfileDefaults)
			s.Profiles = []Profile{p}
			s.ActiveProfileID = p.ID
		} else if s.ActiveProfileID == e.ID {
			s.ActiveProfileID = s.Profiles[0].ID
		}
		profilesChanged = true
		res.Commands = append(res.Commands, s.persistCmd())
		res.Commands = append(res.Commands, replyCmd(e.Reply, ProfileOpResult{})...)
		s.recomputeVolume(at, cfg.StationaryDebounce)

	case SetActiveProfile:
		// Existence is deliberately not checked: callers are expected to
		// supply valid ids, and a dangling id means "no active profile"
		// downstream (volume 0).
		if e.ID != s.ActiveProfileID {
			s.ActiveProfileID = e.ID
			res.Commands = append(res.Commands, s.persistCmd())
			s.recomputeVolume(at, cfg.StationaryDebounce)
		}

	case DismissAd:
		s.Ads.AdVisible = false
		s.Ads.InteractionsSinceLastAd = 0

	case RequestStateSnapshot:
		res.Commands = append(res.Commands, CmdPublishStateSnapshot{
			Reply:    e.Reply,
			Snapshot: s.Snapshot(),
		})
	}

	res.Broadcasts = diffBroadcasts(before, s, profilesChanged)
	return res
}

// startWatch records watch intent and returns the command to realize it. The
// signal is considered lost until the first sample arrives.
func (s *DaemonState) startWatch() []Command {
	if s.Geo.Watching {
		return nil
	}
	s.Geo.Watching = true
	s.Geo.SignalLost = true
	return []Command{CmdGeoStartWatch{}}
}

// applyPermission folds a permission report into the geo source state and
// starts or stops the watch as needed.
func (s *DaemonState) applyPermission(status PermissionStatus) []Command {
	var cmds []Command
	s.Geo.Permission = status

	switch status {
	case PermissionGranted:
		s.Geo.LastError = ""
		if s.MasterEnabled {
			cmds = append(cmds, s.startWatch()...)
		}
	case PermissionPrompt:
		// No explicit answer yet. Starting the watch is what surfaces the
		// device's permission prompt, so kick it off when the master switch
		// is waiting on it.
		if s.MasterEnabled {
			cmds = append(cmds, s.startWatch()...)
		}
	case PermissionDenied:
		s.Geo.LastError = "location permission denied"
		s.Geo.SignalLost = true
		s.Geo.SpeedMPH = 0
		if s.Geo.Watching {
			s.Geo.Watching = false
			cmds = append(cmds, CmdGeoStopWatch{})
		}
	case PermissionUnavailable:
		s.Geo.LastError = errGeoUnsupported
		s.Geo.SignalLost = true
		s.Geo.SpeedMPH = 0
		if s.Geo.Watching {
			s.Geo.Watching = false
			cmds = append(cmds, CmdGeoStopWatch{})
		}
	}
	return cmds
}

// bumpInteractions advances the ad counter. The counter freezes while an ad
// is visible; dismissal resets it.
func (s *DaemonState) bumpInteractions(threshold int) {
	if s.Ads.AdVisible {
		return
	}
	s.Ads.InteractionsSinceLastAd++
	if threshold > 0 && s.Ads.InteractionsSinceLastAd >= threshold {
		s.Ads.AdVisible = true
	}
}

func (s *DaemonState) persistCmd() Command {
	return CmdPersistProfiles{
		Profiles:        cloneProfiles(s.Profiles),
		ActiveProfileID: s.ActiveProfileID,
	}
}

func replyCmd(reply chan ProfileOpResult, result ProfileOpResult) []Command {
	if reply == nil {
		return nil
	}
	return []Command{CmdReplyProfileOp{Reply: reply, Result: result}}
}

// diffBroadcasts compares observable state before and after a reduction and
// emits one broadcast per changed facet.
func diffBroadcasts(before observables, s *DaemonState, profilesChanged bool) []Broadcast {
	after := observe(s)
	var out []Broadcast

	if after.volume != before.volume {
		out = append(out, BroadcastVolumeChanged{Volume: after.volume})
	}
	if after.speed != before.speed {
		out = append(out, BroadcastSpeedChanged{SpeedMPH: after.speed})
	}
	if after.master != before.master {
		out = append(out, BroadcastMasterChanged{Enabled: after.master})
	}
	if after.permission != before.permission || after.signalLost != before.signalLost || after.geoError != before.geoError {
		out = append(out, BroadcastGeoStatusChanged{
			Permission: after.permission,
			SignalLost: after.signalLost,
			Error:      after.geoError,
		})
	}
	if profilesChanged || after.activeID != before.activeID {
		out = append(out, BroadcastProfilesChanged{
			Profiles:        cloneProfiles(s.Profiles),
			ActiveProfileID: s.ActiveProfileID,
		})
	}
	if after.adVisible != before.adVisible {
		out = append(out, BroadcastAdChanged{Visible: after.adVisible})
	}
	return out
}
