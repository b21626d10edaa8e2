package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// effectRunner executes reducer-emitted Commands against external systems
// (storage, the location bridge) and posts observation Events back onto the
// daemon's queue.
//
// Design rules:
//   - Only this layer performs I/O on behalf of the reducer.
//   - It never calls Reduce directly; results come back as Events.
//   - Permission queries run in goroutines so the daemon loop is never
//     blocked waiting on the bridge. Watch dials stay synchronous (bounded by
//     the handshake timeout) so the stop handle is never racy.
type effectRunner struct {
	storage Storage
	geo     locationSource
	logger  *slog.Logger
	events  chan<- Event

	stopWatch func()
}

func newEffectRunner(st Storage, geo locationSource, events chan<- Event, logger *slog.Logger) *effectRunner {
	return &effectRunner{
		storage: st,
		geo:     geo,
		logger:  logger,
		events:  events,
	}
}

func (r *effectRunner) run(cmd Command) {
	switch c := cmd.(type) {
	case CmdPersistProfiles:
		r.persistProfiles(c)

	case CmdGeoQueryPermission:
		r.queryPermission()

	case CmdGeoStartWatch:
		r.startWatch()

	case CmdGeoStopWatch:
		r.stopWatchIfAny()

	case CmdReplyProfileOp:
		if c.Reply == nil {
			return
		}
		// Never block the daemon on a caller that went away.
		select {
		case c.Reply <- c.Result:
		default:
			r.logger.Warn("profile op reply channel not ready; dropping result")
		}

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			r.logger.Warn("state snapshot requested with nil reply channel")
			return
		}
		select {
		case c.Reply <- c.Snapshot:
		default:
			r.logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		r.logger.Warn("unknown command type", "command", cmd.String())
	}
}

// persistProfiles writes both records. Persistence failures are logged and
// otherwise ignored; in-memory state stays authoritative for the session.
func (r *effectRunner) persistProfiles(c CmdPersistProfiles) {
	encoded, err := encodeProfiles(c.Profiles)
	if err != nil {
		r.logger.Error("encoding profiles for persistence failed", "error", err)
		return
	}
	if err := r.storage.Save(storageKeyProfiles, encoded); err != nil {
		r.logger.Error("persisting profiles failed", "error", err)
	}
	idJSON, err := json.Marshal(c.ActiveProfileID)
	if err != nil {
		r.logger.Error("encoding active profile id failed", "error", err)
		return
	}
	if err := r.storage.Save(storageKeyActiveProfile, string(idJSON)); err != nil {
		r.logger.Error("persisting active profile id failed", "error", err)
	}
}

// queryPermission asks the bridge off-thread. A failed query (bridge without
// introspection, or unreachable) reports prompt, which sends the reducer down
// the start-watch fallback path.
func (r *effectRunner) queryPermission() {
	if r.geo == nil {
		r.post(GeoPermission{Status: PermissionUnavailable, At: time.Now()})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(defaultGeoDialTimeoutMS+defaultGeoReadTimeoutMS)*time.Millisecond)
		defer cancel()

		status, err := r.geo.QueryPermission(ctx)
		if err != nil {
			r.logger.Debug("permission query failed; falling back to prompt", "error", err)
			status = PermissionPrompt
		}
		r.post(GeoPermission{Status: status, At: time.Now()})
	}()
}

// startWatch tears down any existing subscription first so a re-enable never
// leaves two streams feeding the daemon.
func (r *effectRunner) startWatch() {
	r.stopWatchIfAny()

	if r.geo == nil {
		r.post(GeoPermission{Status: PermissionUnavailable, At: time.Now()})
		return
	}

	stop, err := r.geo.StartWatch(r.events)
	if err != nil {
		r.logger.Warn("starting location watch failed", "error", err)
		r.post(GeoError{
			Kind:    GeoErrPositionUnavailable,
			Message: err.Error(),
			At:      time.Now(),
		})
		return
	}
	r.stopWatch = stop
}

func (r *effectRunner) stopWatchIfAny() {
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
}

// shutdown releases the bridge subscription on daemon exit.
func (r *effectRunner) shutdown() {
	r.stopWatchIfAny()
}

func (r *effectRunner) post(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event queue full; dropping observation")
	}
}
