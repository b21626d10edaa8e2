package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands +
//     broadcasts.
//   - The effects layer is the only place side effects run (persistence, geo
//     subscription management, reply delivery).
//   - Geo observations are turned into Events and fed back into the reducer.
//   - Explicit event and command queues; no nested/re-entrant execution.
// ============================================================================

// runDaemon is the main daemon loop that:
//   - Receives Events from multiple sources (IPC, HTTP, websocket, geo)
//   - Emits Tick events on a fixed cadence
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands via the effect runner and forwards broadcasts
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	effects *effectRunner,
	state *DaemonState,
	cfg ControllerConfig,
	tickHz int,
	broadcasts chan<- Broadcast,
	metrics *daemonMetrics,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	if tickHz <= 0 {
		tickHz = defaultTickHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()

	lastTick := time.Now()

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []TimedEvent
	var cmdQueue []Command

	enqueueEvent := func(ev TimedEvent) {
		eventQueue = append(eventQueue, ev)
	}
	enqueueCommands := func(cmds []Command) {
		if len(cmds) == 0 {
			return
		}
		cmdQueue = append(cmdQueue, cmds...)
	}

	publish := func(bs []Broadcast) {
		if broadcasts == nil {
			return
		}
		for _, b := range bs {
			// Fanout must never stall the daemon; the hub side coalesces.
			select {
			case broadcasts <- b:
			default:
				logger.Warn("broadcast channel full; dropping broadcast")
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			metrics.observeEvent(ev.Event)
			rr := Reduce(state, ev, cfg)
			enqueueCommands(rr.Commands)
			publish(rr.Broadcasts)
			metrics.observeState(state)
		}
	}

	// Execute all queued commands. Observations arrive asynchronously on the
	// events channel (geo read loop), so there is no synchronous feedback
	// here; commands that reply do so inside the effect runner.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]
			effects.run(cmd)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			effects.shutdown()
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				effects.shutdown()
				return
			}
			now := time.Now()
			enqueueEvent(TimedEvent{Event: ev, At: now})
			flushEvents()
			flushCommands()

		case now := <-ticker.C:
			dt := now.Sub(lastTick)
			lastTick = now
			enqueueEvent(TimedEvent{Event: Tick{Now: now, Dt: dt}, At: now})
			flushEvents()
			flushCommands()
		}
	}
}
