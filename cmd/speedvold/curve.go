package main

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ============================================================================
// Curve Model - profiles and piecewise-linear volume interpolation
// ============================================================================
//
// A Profile maps travel speed (mph) to playback volume (0-100%). The mapping
// is defined by two mandatory threshold endpoints (minSpeed/minVolume,
// maxSpeed/maxVolume) plus any number of user-added interior points strictly
// between the thresholds.
//
// interpolateVolume is pure and stateless: the effective curve is rebuilt from
// the Profile on every call. Profiles are tens of points at most, so caching
// would buy nothing and would add an invalidation problem.
// ============================================================================

// CurvePoint is one interior control point of a profile's curve.
// The id is stable across edits and independent of position; the UI uses it
// for targeted update/removal of a point.
type CurvePoint struct {
	ID     string  `json:"id"`
	Speed  float64 `json:"speed"`
	Volume float64 `json:"volume"`
}

// Profile is one named speed->volume mapping. Curve points are exclusively
// owned by their profile; they are never shared across profiles.
type Profile struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Curve     []CurvePoint `json:"curve"`
	MinSpeed  float64      `json:"minSpeed"`
	MinVolume float64      `json:"minVolume"`
	MaxSpeed  float64      `json:"maxSpeed"`
	MaxVolume float64      `json:"maxVolume"`
}

// validateProfile checks the full profile invariant set and returns a
// user-facing reason on the first violation. Callers must reject the profile
// wholesale when this fails; there is no partial application.
func validateProfile(p Profile) error {
	if p.ID == "" {
		return errors.New("profile id must not be empty")
	}
	if p.MinSpeed < 0 {
		return errors.New("min speed must not be negative")
	}
	if p.MinSpeed >= p.MaxSpeed {
		return errors.New("min speed must be strictly below max speed")
	}
	if p.MinVolume < 0 || p.MinVolume > 100 {
		return errors.New("min volume must be between 0 and 100")
	}
	if p.MaxVolume < 0 || p.MaxVolume > 100 {
		return errors.New("max volume must be between 0 and 100")
	}

	seen := make(map[float64]struct{}, len(p.Curve))
	for _, cp := range p.Curve {
		if cp.Speed <= p.MinSpeed || cp.Speed >= p.MaxSpeed {
			return fmt.Errorf("curve point at %g mph: speed must lie strictly between thresholds", cp.Speed)
		}
		if cp.Volume < 0 || cp.Volume > 100 {
			return fmt.Errorf("curve point at %g mph: volume must be between 0 and 100", cp.Speed)
		}
		if _, dup := seen[cp.Speed]; dup {
			return fmt.Errorf("curve point at %g mph: duplicate speed", cp.Speed)
		}
		seen[cp.Speed] = struct{}{}
	}

	return nil
}

// curveEntry is one entry of the effective curve (thresholds + valid interior
// points, sorted and deduplicated).
type curveEntry struct {
	Speed  float64
	Volume float64
}

// effectiveCurve builds the curve interpolateVolume walks: the threshold
// endpoints seeded first, then every interior point strictly between them.
// Threshold speeds win on collision; among interior points the first write
// wins. Interior points outside the thresholds are ignored rather than
// rejected, so a stale profile can still be evaluated safely.
func effectiveCurve(p Profile) []curveEntry {
	vols := make(map[float64]float64, len(p.Curve)+2)
	vols[p.MinSpeed] = p.MinVolume
	// If minSpeed == maxSpeed (should not occur post-validation) this
	// overwrite collapses the curve to a single maxVolume entry.
	vols[p.MaxSpeed] = p.MaxVolume

	for _, cp := range p.Curve {
		if cp.Speed <= p.MinSpeed || cp.Speed >= p.MaxSpeed {
			continue
		}
		if _, ok := vols[cp.Speed]; ok {
			continue
		}
		vols[cp.Speed] = cp.Volume
	}

	entries := make([]curveEntry, 0, len(vols))
	for speed, vol := range vols {
		entries = append(entries, curveEntry{Speed: speed, Volume: vol})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Speed < entries[j].Speed })
	return entries
}

// interpolateVolume evaluates the profile's effective curve at querySpeed.
// Volume saturates at the endpoint values outside [minSpeed, maxSpeed].
func interpolateVolume(querySpeed float64, p Profile) float64 {
	curve := effectiveCurve(p)

	if len(curve) == 1 {
		return curve[0].Volume
	}
	if querySpeed <= curve[0].Speed {
		return curve[0].Volume
	}
	if last := curve[len(curve)-1]; querySpeed >= last.Speed {
		return last.Volume
	}

	for i := 0; i < len(curve)-1; i++ {
		p1, p2 := curve[i], curve[i+1]
		if querySpeed < p1.Speed || querySpeed > p2.Speed {
			continue
		}
		span := p2.Speed - p1.Speed
		if span == 0 {
			return p1.Volume
		}
		return p1.Volume + (querySpeed-p1.Speed)/span*(p2.Volume-p1.Volume)
	}

	// Unreachable given the saturation checks above.
	return curve[len(curve)-1].Volume
}

// roundVolume converts an interpolated volume to the integer percentage the
// rest of the system publishes.
func roundVolume(v float64) int {
	return int(math.Round(v))
}

// cloneProfile deep-copies a profile so snapshots and store entries never
// alias caller-owned curve slices.
func cloneProfile(p Profile) Profile {
	out := p
	out.Curve = make([]CurvePoint, len(p.Curve))
	copy(out.Curve, p.Curve)
	return out
}

func cloneProfiles(ps []Profile) []Profile {
	out := make([]Profile, len(ps))
	for i, p := range ps {
		out[i] = cloneProfile(p)
	}
	return out
}
