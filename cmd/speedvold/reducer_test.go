package main

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testControllerConfig() ControllerConfig {
	return ControllerConfig{
		StationaryDebounce:     5 * time.Second,
		ProfileDefaults:        testDefaults(),
		AdInteractionThreshold: 2,
	}
}

// newTrackingState is a daemon state mid-session: master on, permission
// granted, watch running, one live sample already seen.
func newTrackingState() *DaemonState {
	s := newDaemonState([]Profile{testProfile()}, "p1", true)
	s.MasterEnabled = true
	s.Geo.Permission = PermissionGranted
	s.Geo.Watching = true
	s.Geo.SignalLost = false
	return s
}

func reduceAt(t *testing.T, s *DaemonState, ev Event, at time.Time) ReduceResult {
	t.Helper()
	return Reduce(s, TimedEvent{Event: ev, At: at}, testControllerConfig())
}

func hasCommand[T Command](rr ReduceResult) bool {
	for _, c := range rr.Commands {
		if _, ok := c.(T); ok {
			return true
		}
	}
	return false
}

func hasBroadcast[T Broadcast](rr ReduceResult) bool {
	for _, b := range rr.Broadcasts {
		if _, ok := b.(T); ok {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------------------
// Master toggle and permission flow
// ----------------------------------------------------------------------------

func TestToggleMasterFromPromptQueriesPermission(t *testing.T) {
	s := newDaemonState([]Profile{testProfile()}, "p1", true)

	rr := reduceAt(t, s, ToggleMaster{}, testEpoch)

	if !s.MasterEnabled {
		t.Error("master should be enabled")
	}
	if !hasCommand[CmdGeoQueryPermission](rr) {
		t.Error("expected a permission query command")
	}
	if hasCommand[CmdGeoStartWatch](rr) {
		t.Error("watch must not start before permission resolves")
	}
	if !hasBroadcast[BroadcastMasterChanged](rr) {
		t.Error("expected a master_changed broadcast")
	}
}

func TestPermissionGrantedStartsWatchWhenEnabled(t *testing.T) {
	s := newDaemonState([]Profile{testProfile()}, "p1", true)
	reduceAt(t, s, ToggleMaster{}, testEpoch)

	rr := reduceAt(t, s, GeoPermission{Status: PermissionGranted, At: testEpoch}, testEpoch)

	if !hasCommand[CmdGeoStartWatch](rr) {
		t.Error("grant with master enabled must start the watch")
	}
	if !s.Geo.Watching {
		t.Error("watching flag not set")
	}
	if !s.Geo.SignalLost {
		t.Error("signal must count as lost until the first sample")
	}
}

func TestPermissionPromptFallbackStartsWatch(t *testing.T) {
	// A bridge without permission introspection reports prompt; starting the
	// watch is what surfaces the device's permission prompt.
	s := newDaemonState([]Profile{testProfile()}, "p1", true)
	reduceAt(t, s, ToggleMaster{}, testEpoch)

	rr := reduceAt(t, s, GeoPermission{Status: PermissionPrompt, At: testEpoch}, testEpoch)
	if !hasCommand[CmdGeoStartWatch](rr) {
		t.Error("prompt with master enabled must start the watch")
	}
}

func TestToggleMasterOffStopsWatchAndRests(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)
	if s.CurrentVolume != 60 {
		t.Fatalf("precondition: volume = %d, want 60", s.CurrentVolume)
	}

	rr := reduceAt(t, s, ToggleMaster{}, testEpoch.Add(time.Second))

	if s.MasterEnabled {
		t.Error("master should be disabled")
	}
	if !hasCommand[CmdGeoStopWatch](rr) {
		t.Error("expected a stop watch command")
	}
	if s.CurrentVolume != 20 {
		t.Errorf("volume = %d, want resting value 20", s.CurrentVolume)
	}
	// The raw speed reading is left as-is; it is stale, not wrong.
	if s.Geo.SpeedMPH != 30 {
		t.Errorf("speed = %d, want stale 30", s.Geo.SpeedMPH)
	}
}

func TestToggleMasterWhenDenied(t *testing.T) {
	s := newDaemonState([]Profile{testProfile()}, "p1", true)
	s.Geo.Permission = PermissionDenied

	rr := reduceAt(t, s, ToggleMaster{}, testEpoch)

	if !s.MasterEnabled {
		t.Error("the flag flips even when permission is denied")
	}
	if s.Geo.LastError == "" {
		t.Error("expected a permission error message")
	}
	if !hasCommand[CmdGeoQueryPermission](rr) {
		t.Error("expected a re-query in case device settings changed")
	}
}

func TestToggleMasterWhenUnavailable(t *testing.T) {
	s := newDaemonState([]Profile{testProfile()}, "p1", false)

	rr := reduceAt(t, s, ToggleMaster{}, testEpoch)

	if s.Geo.LastError != errGeoUnsupported {
		t.Errorf("error = %q, want %q", s.Geo.LastError, errGeoUnsupported)
	}
	if hasCommand[CmdGeoStartWatch](rr) || hasCommand[CmdGeoQueryPermission](rr) {
		t.Error("no geo commands should be issued without a bridge")
	}
}

// ----------------------------------------------------------------------------
// Samples, errors, debounce
// ----------------------------------------------------------------------------

func TestSampleDrivesVolume(t *testing.T) {
	s := newTrackingState()

	rr := reduceAt(t, s, GeoSample{SpeedMPH: 45, At: testEpoch}, testEpoch)

	if s.CurrentVolume != 80 {
		t.Errorf("volume = %d, want 80", s.CurrentVolume)
	}
	if s.Geo.SignalLost {
		t.Error("a sample clears signal lost")
	}
	if !hasBroadcast[BroadcastVolumeChanged](rr) || !hasBroadcast[BroadcastSpeedChanged](rr) {
		t.Error("expected volume and speed broadcasts")
	}
}

func TestSampleProvesGrant(t *testing.T) {
	s := newTrackingState()
	s.Geo.Permission = PermissionPrompt

	reduceAt(t, s, GeoSample{SpeedMPH: 10, At: testEpoch}, testEpoch)

	if s.Geo.Permission != PermissionGranted {
		t.Errorf("permission = %q, want granted", s.Geo.Permission)
	}
}

func TestStationaryDebounceHoldsThenSettles(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)

	// First zero sample arms the deadline but holds the volume.
	reduceAt(t, s, GeoSample{SpeedMPH: 0, At: testEpoch.Add(time.Second)}, testEpoch.Add(time.Second))
	if s.CurrentVolume != 60 {
		t.Fatalf("volume = %d, want held 60", s.CurrentVolume)
	}
	if s.StationaryDeadline.IsZero() {
		t.Fatal("deadline not armed")
	}
	armed := s.StationaryDeadline

	// More zero samples at the 2s cadence must not re-arm the deadline,
	// otherwise a parked car never settles.
	reduceAt(t, s, GeoSample{SpeedMPH: 0, At: testEpoch.Add(3 * time.Second)}, testEpoch.Add(3*time.Second))
	if !s.StationaryDeadline.Equal(armed) {
		t.Fatal("repeated zero samples must not push the deadline out")
	}

	// Ticks inside the window hold.
	reduceAt(t, s, Tick{Now: testEpoch.Add(5 * time.Second)}, testEpoch.Add(5*time.Second))
	if s.CurrentVolume != 60 {
		t.Fatalf("volume = %d, want held 60 before deadline", s.CurrentVolume)
	}

	// Tick at/after the deadline settles to the resting volume.
	rr := reduceAt(t, s, Tick{Now: testEpoch.Add(6*time.Second + time.Millisecond)}, testEpoch.Add(6*time.Second+time.Millisecond))
	if s.CurrentVolume != 20 {
		t.Fatalf("volume = %d, want resting 20 after deadline", s.CurrentVolume)
	}
	if !s.StationaryDeadline.IsZero() {
		t.Error("deadline must clear after firing")
	}
	if !hasBroadcast[BroadcastVolumeChanged](rr) {
		t.Error("expected a volume broadcast when settling")
	}
}

func TestMovementCancelsDebounce(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)
	reduceAt(t, s, GeoSample{SpeedMPH: 0, At: testEpoch.Add(time.Second)}, testEpoch.Add(time.Second))

	reduceAt(t, s, GeoSample{SpeedMPH: 15, At: testEpoch.Add(3 * time.Second)}, testEpoch.Add(3*time.Second))

	if !s.StationaryDeadline.IsZero() {
		t.Error("movement must cancel the pending deadline")
	}
	if s.CurrentVolume != 40 {
		t.Errorf("volume = %d, want 40", s.CurrentVolume)
	}

	// And a later tick past the old deadline changes nothing.
	reduceAt(t, s, Tick{Now: testEpoch.Add(10 * time.Second)}, testEpoch.Add(10*time.Second))
	if s.CurrentVolume != 40 {
		t.Errorf("volume = %d after stale deadline tick, want 40", s.CurrentVolume)
	}
}

func TestGeoErrorDeniedStopsWatch(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)

	rr := reduceAt(t, s, GeoError{Kind: GeoErrPermissionDenied, Message: "user revoked access", At: testEpoch.Add(time.Second)}, testEpoch.Add(time.Second))

	if s.Geo.Permission != PermissionDenied {
		t.Errorf("permission = %q, want denied", s.Geo.Permission)
	}
	if !hasCommand[CmdGeoStopWatch](rr) {
		t.Error("denied must stop the watch")
	}
	if s.CurrentVolume != 20 {
		t.Errorf("volume = %d, want resting 20", s.CurrentVolume)
	}
	if !hasBroadcast[BroadcastGeoStatusChanged](rr) {
		t.Error("expected a geo status broadcast")
	}
}

func TestGeoErrorTimeoutIsTransient(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)

	rr := reduceAt(t, s, GeoError{Kind: GeoErrTimeout, Message: "position timed out", At: testEpoch.Add(time.Second)}, testEpoch.Add(time.Second))

	if s.Geo.Permission != PermissionGranted {
		t.Error("transient errors must not touch permission")
	}
	if hasCommand[CmdGeoStopWatch](rr) {
		t.Error("transient errors keep the stream subscribed")
	}
	if !s.Geo.SignalLost || s.Geo.SpeedMPH != 0 {
		t.Error("transient errors lose the signal and zero the speed")
	}
	if s.CurrentVolume != 20 {
		t.Errorf("volume = %d, want resting 20", s.CurrentVolume)
	}

	// Recovery: the next sample resumes tracking.
	reduceAt(t, s, GeoSample{SpeedMPH: 60, At: testEpoch.Add(2 * time.Second)}, testEpoch.Add(2*time.Second))
	if s.CurrentVolume != 100 {
		t.Errorf("volume = %d after recovery, want 100", s.CurrentVolume)
	}
	if s.Geo.LastError != "" {
		t.Error("recovery must clear the error")
	}
}

// ----------------------------------------------------------------------------
// Profile operations
// ----------------------------------------------------------------------------

func TestAddProfileAppendsAndPersists(t *testing.T) {
	s := newTrackingState()
	reply := make(chan ProfileOpResult, 1)

	rr := reduceAt(t, s, AddProfile{Name: "Highway", Reply: reply}, testEpoch)

	if len(s.Profiles) != 2 {
		t.Fatalf("profile count = %d, want 2", len(s.Profiles))
	}
	added := s.Profiles[1]
	if added.Name != "Highway" {
		t.Errorf("name = %q", added.Name)
	}
	if s.ActiveProfileID != "p1" {
		t.Error("adding a profile must not change the active one")
	}
	if !hasCommand[CmdPersistProfiles](rr) {
		t.Error("expected a persist command")
	}
	if !hasCommand[CmdReplyProfileOp](rr) {
		t.Error("expected a reply command")
	}
	if !hasBroadcast[BroadcastProfilesChanged](rr) {
		t.Error("expected a profiles broadcast")
	}
}

func TestUpdateProfileValidationFailureLeavesStateUntouched(t *testing.T) {
	s := newTrackingState()

	bad := testProfile()
	bad.Curve[0].Speed = 60 // collides with max threshold
	reply := make(chan ProfileOpResult, 1)
	rr := reduceAt(t, s, UpdateProfile{Profile: bad, Reply: reply}, testEpoch)

	if hasCommand[CmdPersistProfiles](rr) {
		t.Error("invalid update must not persist")
	}
	if s.Profiles[0].Curve[0].Speed != 30 {
		t.Error("invalid update must not mutate the store")
	}
	if s.Ads.InteractionsSinceLastAd != 0 {
		t.Error("failed updates do not count as interactions")
	}

	var replied bool
	for _, c := range rr.Commands {
		if rc, ok := c.(CmdReplyProfileOp); ok {
			replied = true
			if rc.Result.Err == nil {
				t.Error("reply must carry the validation error")
			}
		}
	}
	if !replied {
		t.Error("expected a reply command")
	}
}

func TestUpdateActiveProfileRecomputesVolume(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)

	updated := testProfile()
	updated.Curve[0].Volume = 90
	rr := reduceAt(t, s, UpdateProfile{Profile: updated}, testEpoch.Add(time.Second))

	if s.CurrentVolume != 90 {
		t.Errorf("volume = %d, want 90 after curve edit", s.CurrentVolume)
	}
	if !hasBroadcast[BroadcastVolumeChanged](rr) {
		t.Error("expected a volume broadcast")
	}
}

func TestDeleteLastProfileReinstatesDefault(t *testing.T) {
	s := newTrackingState()

	rr := reduceAt(t, s, DeleteProfile{ID: "p1"}, testEpoch)

	if len(s.Profiles) != 1 {
		t.Fatalf("profile count = %d, want 1", len(s.Profiles))
	}
	reinstated := s.Profiles[0]
	if reinstated.ID == "p1" {
		t.Error("reinstated profile must have a fresh identity")
	}
	if s.ActiveProfileID != reinstated.ID {
		t.Error("active id must point at the reinstated default")
	}
	if err := validateProfile(reinstated); err != nil {
		t.Errorf("reinstated default invalid: %v", err)
	}
	if !hasCommand[CmdPersistProfiles](rr) {
		t.Error("expected a persist command")
	}
}

func TestDeleteActiveProfileFallsBackToFirst(t *testing.T) {
	s := newTrackingState()
	second := testProfile()
	second.ID = "p2"
	s.Profiles = append(s.Profiles, second)
	s.ActiveProfileID = "p2"

	reduceAt(t, s, DeleteProfile{ID: "p2"}, testEpoch)

	if s.ActiveProfileID != "p1" {
		t.Errorf("active = %q, want p1", s.ActiveProfileID)
	}
}

func TestDeleteUnknownProfileStillCountsAsInteraction(t *testing.T) {
	s := newTrackingState()

	rr := reduceAt(t, s, DeleteProfile{ID: "no-such"}, testEpoch)

	if len(s.Profiles) != 1 {
		t.Error("store must be untouched")
	}
	if hasCommand[CmdPersistProfiles](rr) {
		t.Error("nothing to persist for an unknown id")
	}
	if s.Ads.InteractionsSinceLastAd != 1 {
		t.Errorf("interactions = %d, want 1", s.Ads.InteractionsSinceLastAd)
	}
}

func TestSetActiveProfile(t *testing.T) {
	s := newTrackingState()
	second := testProfile()
	second.ID = "p2"
	second.MinVolume = 50
	s.Profiles = append(s.Profiles, second)
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)

	rr := reduceAt(t, s, SetActiveProfile{ID: "p2"}, testEpoch)
	if s.ActiveProfileID != "p2" {
		t.Fatalf("active = %q, want p2", s.ActiveProfileID)
	}
	if !hasCommand[CmdPersistProfiles](rr) {
		t.Error("activation must persist")
	}

	// A dangling id is accepted as-is and means "no active profile":
	// the volume falls to 0.
	reduceAt(t, s, SetActiveProfile{ID: "ghost"}, testEpoch)
	if s.ActiveProfileID != "ghost" {
		t.Error("activation must not check existence")
	}
	if s.CurrentVolume != 0 {
		t.Errorf("volume = %d, want 0 without an active profile", s.CurrentVolume)
	}
}

// ----------------------------------------------------------------------------
// Ads
// ----------------------------------------------------------------------------

func TestAdAppearsAtThresholdAndFreezes(t *testing.T) {
	s := newTrackingState()

	rr := reduceAt(t, s, AddProfile{Name: "one"}, testEpoch)
	if s.Ads.AdVisible {
		t.Fatal("ad visible after one interaction")
	}
	if hasBroadcast[BroadcastAdChanged](rr) {
		t.Fatal("no ad broadcast expected yet")
	}

	rr = reduceAt(t, s, AddProfile{Name: "two"}, testEpoch)
	if !s.Ads.AdVisible {
		t.Fatal("ad must appear at the second interaction")
	}
	if !hasBroadcast[BroadcastAdChanged](rr) {
		t.Fatal("expected an ad broadcast")
	}

	// Counter freezes while the ad is showing.
	reduceAt(t, s, AddProfile{Name: "three"}, testEpoch)
	if s.Ads.InteractionsSinceLastAd != 2 {
		t.Errorf("interactions = %d, want frozen at 2", s.Ads.InteractionsSinceLastAd)
	}

	rr = reduceAt(t, s, DismissAd{}, testEpoch)
	if s.Ads.AdVisible || s.Ads.InteractionsSinceLastAd != 0 {
		t.Error("dismissal must hide the ad and reset the counter")
	}
	if !hasBroadcast[BroadcastAdChanged](rr) {
		t.Error("expected an ad broadcast on dismissal")
	}
}

// ----------------------------------------------------------------------------
// Snapshots
// ----------------------------------------------------------------------------

func TestRequestStateSnapshot(t *testing.T) {
	s := newTrackingState()
	reduceAt(t, s, GeoSample{SpeedMPH: 30, At: testEpoch}, testEpoch)

	reply := make(chan StateSnapshot, 1)
	rr := reduceAt(t, s, RequestStateSnapshot{Reply: reply}, testEpoch)

	var snap StateSnapshot
	var found bool
	for _, c := range rr.Commands {
		if pc, ok := c.(CmdPublishStateSnapshot); ok {
			snap = pc.Snapshot
			found = true
		}
	}
	if !found {
		t.Fatal("expected a publish snapshot command")
	}
	if snap.CurrentVolume != 60 || snap.SpeedMPH != 30 || !snap.MasterEnabled {
		t.Errorf("snapshot = %+v", snap)
	}

	// Snapshot profiles must not alias reducer-owned slices.
	snap.Profiles[0].Curve[0].Volume = 1
	if s.Profiles[0].Curve[0].Volume != 60 {
		t.Error("snapshot aliases the profile store")
	}
}
