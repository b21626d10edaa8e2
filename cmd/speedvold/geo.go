package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Location bridge client
// ============================================================================
//
// The daemon does not talk to GPS hardware directly. A companion "location
// bridge" (phone app or gpsd-style shim) exposes a websocket endpoint that
// streams position samples and errors as JSON. This file wraps that endpoint:
//
//   - QueryPermission: one-shot permission introspection over a short-lived
//     connection. Bridges without introspection simply fail the query; the
//     caller then falls back to starting the stream and letting the stream's
//     own success/error resolve the permission state.
//   - StartWatch: opens a streaming connection, requests high-accuracy,
//     no-cache samples with a 10s position timeout, and translates every
//     frame into a normalized daemon Event.
//
// Raw speed arrives in meters/second; consumers only ever see whole mph.
// ============================================================================

// PermissionStatus is the location permission state machine position.
type PermissionStatus string

const (
	PermissionPrompt      PermissionStatus = "prompt"
	PermissionGranted     PermissionStatus = "granted"
	PermissionDenied      PermissionStatus = "denied"
	PermissionUnavailable PermissionStatus = "unavailable"
)

// GeoErrorKind classifies stream errors. Denied is fatal for the session
// until the user changes settings out-of-band; the rest are transient and the
// stream stays subscribed.
type GeoErrorKind string

const (
	GeoErrPermissionDenied    GeoErrorKind = "permission-denied"
	GeoErrPositionUnavailable GeoErrorKind = "position-unavailable"
	GeoErrTimeout             GeoErrorKind = "timeout"
	GeoErrUnknown             GeoErrorKind = "unknown"
)

// errGeoUnsupported is the fixed message for the terminal capability error
// (no location bridge configured at all).
const errGeoUnsupported = "location is not supported on this device"

// mphFromMetersPerSecond normalizes a raw bridge sample. A nil raw sample
// (device reports no speed) maps to 0, as do negative or NaN readings.
func mphFromMetersPerSecond(raw *float64) int {
	if raw == nil || *raw < 0 || math.IsNaN(*raw) {
		return 0
	}
	return int(math.Round(*raw * metersPerSecondToMPH))
}

// classifyBridgeError maps a bridge error code onto a GeoErrorKind.
func classifyBridgeError(code string) GeoErrorKind {
	switch code {
	case "PERMISSION_DENIED":
		return GeoErrPermissionDenied
	case "POSITION_UNAVAILABLE":
		return GeoErrPositionUnavailable
	case "TIMEOUT":
		return GeoErrTimeout
	default:
		return GeoErrUnknown
	}
}

// locationSource is the collaborator surface the effects layer depends on.
// Tests substitute a fake; geoBridgeClient is the real implementation.
type locationSource interface {
	// QueryPermission asks the bridge for the current permission status.
	// An error means the bridge offers no permission introspection (or is
	// unreachable); callers should fall back to the prompt request path.
	QueryPermission(ctx context.Context) (PermissionStatus, error)

	// StartWatch opens a sample stream and posts GeoSample/GeoError events
	// into events until stop is called. Stop is idempotent and guarantees
	// no further events are posted after it returns.
	StartWatch(events chan<- Event) (stop func(), err error)
}

// bridgeMessage is one inbound frame from the bridge.
type bridgeMessage struct {
	Type     string   `json:"type"`
	SpeedMPS *float64 `json:"speed_mps"`
	Status   string   `json:"status,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// bridgeWatchRequest asks the bridge to start streaming position samples.
type bridgeWatchRequest struct {
	Type         string `json:"type"`
	Enable       bool   `json:"enable"`
	HighAccuracy bool   `json:"high_accuracy"`
	MaxAgeMS     int    `json:"max_age_ms"`
	TimeoutMS    int    `json:"timeout_ms"`
}

type geoBridgeClient struct {
	url    string
	logger *slog.Logger

	dialTimeout time.Duration
	readTimeout time.Duration
	watchReq    bridgeWatchRequest
}

func newGeoBridgeClient(cfg GeoConfig, logger *slog.Logger) (*geoBridgeClient, error) {
	if _, err := url.Parse(cfg.WsURL); err != nil {
		return nil, fmt.Errorf("invalid bridge websocket URL: %w", err)
	}
	return &geoBridgeClient{
		url:         cfg.WsURL,
		logger:      logger,
		dialTimeout: time.Duration(defaultGeoDialTimeoutMS) * time.Millisecond,
		readTimeout: time.Duration(defaultGeoReadTimeoutMS) * time.Millisecond,
		watchReq: bridgeWatchRequest{
			Type:         "watch",
			Enable:       true,
			HighAccuracy: cfg.HighAccuracy,
			MaxAgeMS:     cfg.MaxAgeMS,
			TimeoutMS:    cfg.TimeoutMS,
		},
	}, nil
}

func (c *geoBridgeClient) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial location bridge: %w", err)
	}
	return conn, nil
}

// QueryPermission uses its own short-lived connection so it never races the
// streaming connection's reads.
func (c *geoBridgeClient) QueryPermission(ctx context.Context) (PermissionStatus, error) {
	conn, err := c.dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "permission"}); err != nil {
		return "", fmt.Errorf("permission request: %w", err)
	}

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var msg bridgeMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("permission response: %w", err)
	}
	if msg.Type != "permission" {
		return "", fmt.Errorf("unexpected bridge frame %q to permission query", msg.Type)
	}

	switch PermissionStatus(msg.Status) {
	case PermissionGranted, PermissionDenied, PermissionPrompt:
		return PermissionStatus(msg.Status), nil
	default:
		return "", fmt.Errorf("bridge reported unknown permission status %q", msg.Status)
	}
}

// StartWatch dials the bridge, requests the stream, and pumps frames into
// events from a goroutine. The returned stop closes the connection and waits
// for the pump to exit, so no event is posted after stop returns.
func (c *geoBridgeClient) StartWatch(events chan<- Event) (func(), error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(c.watchReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("watch request: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go c.readLoop(ctx, conn, events, done)

	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		_ = conn.Close() // unblocks the pending ReadJSON
		<-done
	}
	return stop, nil
}

func (c *geoBridgeClient) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	post := func(ev Event) {
		// Drop rather than post once the watch has been cancelled; a stale
		// subscription must never feed the daemon after stop.
		select {
		case <-ctx.Done():
		case events <- ev:
		}
	}

	for {
		var msg bridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return // stopped locally; not a signal problem
			}
			post(GeoError{
				Kind:    GeoErrPositionUnavailable,
				Message: fmt.Sprintf("bridge stream closed: %v", err),
				At:      time.Now(),
			})
			return
		}

		switch msg.Type {
		case "position":
			post(GeoSample{SpeedMPH: mphFromMetersPerSecond(msg.SpeedMPS), At: time.Now()})

		case "error":
			post(GeoError{
				Kind:    classifyBridgeError(msg.Code),
				Message: msg.Message,
				At:      time.Now(),
			})

		case "permission":
			// Some bridges push permission changes mid-stream.
			post(GeoPermission{Status: PermissionStatus(msg.Status), At: time.Now()})

		default:
			c.logger.Debug("ignoring unknown bridge frame", "type", msg.Type)
		}
	}
}

var _ locationSource = (*geoBridgeClient)(nil)
