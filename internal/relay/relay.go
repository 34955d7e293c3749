// Package relay defines the boundary to the real-time media transport.
// Actual audio/video/screen bytes flow through a Session negotiated with a
// short-lived access token; track lifecycle notifications for remote
// participants arrive on an independent Feed.
package relay

import "context"

// Kind identifies a media channel.
type Kind string

const (
	Audio  Kind = "audio"
	Video  Kind = "video"
	Screen Kind = "screen"
)

// CaptureConstraints are the ideal capture parameters for a local device.
type CaptureConstraints struct {
	Width     int
	Height    int
	FrameRate int
	WithAudio bool
}

// CameraConstraints is the capture profile for the local camera.
var CameraConstraints = CaptureConstraints{Width: 1280, Height: 720, FrameRate: 20}

// ScreenConstraints is the capture profile for screen sharing. Screen audio
// is never captured.
var ScreenConstraints = CaptureConstraints{Width: 1920, Height: 1080, FrameRate: 20}

// Track is a live media track, local or remote.
type Track interface {
	Kind() Kind
	// Live reports whether the track is attached and in a live ready-state.
	// A detached or ended track is not live even if the handle remains.
	Live() bool
	// Stop ends the underlying capture or subscription.
	Stop()
	// OnEnded registers a hook fired when the track ends out-of-band, such
	// as the operating system's own stop-sharing affordance.
	OnEnded(fn func())
}

// Publication is the handle returned for a published local track.
type Publication interface {
	Track() Track
}

// Session is an established media-session connection.
type Session interface {
	Capture(ctx context.Context, kind Kind, constraints CaptureConstraints) (Track, error)
	Publish(ctx context.Context, track Track) (Publication, error)
	Unpublish(ctx context.Context, pub Publication) error
	Close() error
}

// Connector establishes a Session on demand.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Session, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}

// TrackEventType classifies a Feed notification.
type TrackEventType string

const (
	TrackSubscribed         TrackEventType = "track_subscribed"
	TrackUnsubscribed       TrackEventType = "track_unsubscribed"
	ParticipantDisconnected TrackEventType = "participant_disconnected"
)

// TrackEvent is a remote track lifecycle notification. Track is set only on
// subscription events.
type TrackEvent struct {
	Type  TrackEventType
	User  string
	Kind  Kind
	Track Track
}

// Feed delivers remote track lifecycle events. Events for a user may arrive
// before or after that user appears in any signaling snapshot.
type Feed interface {
	Subscribe(handler func(TrackEvent)) error
	Close() error
}
