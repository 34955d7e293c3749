package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSFeedConfig configures the NATS-backed track event feed.
type NATSFeedConfig struct {
	URL           string
	SubjectPrefix string // e.g. "relay"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSFeedConfig returns the default feed configuration.
func DefaultNATSFeedConfig() NATSFeedConfig {
	return NATSFeedConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "relay",
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// natsTrackEnvelope is the wire form of a track notification.
type natsTrackEnvelope struct {
	Type      TrackEventType `json:"type"`
	User      string         `json:"user"`
	Kind      Kind           `json:"kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NATSFeed subscribes to a room's track lifecycle subjects and forwards
// typed events to the registered handler.
type NATSFeed struct {
	roomID string
	config NATSFeedConfig

	mu      sync.Mutex
	nc      *nats.Conn
	sub     *nats.Subscription
	remotes map[string]map[Kind]*remoteTrack
}

// NewNATSFeed connects to NATS for the given room. Reconnects are handled
// by the client; each state change is logged.
func NewNATSFeed(roomID string, config NATSFeedConfig) (*NATSFeed, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("relay feed disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("relay feed reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("relay feed error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to relay feed: %w", err)
	}

	return &NATSFeed{
		roomID:  roomID,
		config:  config,
		nc:      nc,
		remotes: make(map[string]map[Kind]*remoteTrack),
	}, nil
}

// Subscribe starts delivering track events for the feed's room to handler.
// Messages are handled in arrival order on the subscription goroutine.
func (f *NATSFeed) Subscribe(handler func(TrackEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub != nil {
		return fmt.Errorf("feed for room %s already subscribed", f.roomID)
	}

	subject := fmt.Sprintf("%s.%s.tracks", f.config.SubjectPrefix, f.roomID)
	sub, err := f.nc.Subscribe(subject, func(msg *nats.Msg) {
		var envelope natsTrackEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode track event")
			return
		}
		for _, event := range f.translate(envelope) {
			handler(event)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	f.sub = sub

	log.Info().Str("room_id", f.roomID).Str("subject", subject).Msg("relay feed subscribed")
	return nil
}

// translate maps a wire envelope to feed events, tracking remote track
// handles so unsubscribes mark the right track dead. A participant
// disconnect fans out into one unsubscribe per live track.
func (f *NATSFeed) translate(envelope natsTrackEnvelope) []TrackEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch envelope.Type {
	case TrackSubscribed:
		if f.remotes[envelope.User] == nil {
			f.remotes[envelope.User] = make(map[Kind]*remoteTrack)
		}
		track := newRemoteTrack(envelope.Kind)
		f.remotes[envelope.User][envelope.Kind] = track
		return []TrackEvent{{Type: TrackSubscribed, User: envelope.User, Kind: envelope.Kind, Track: track}}

	case TrackUnsubscribed:
		if track, ok := f.remotes[envelope.User][envelope.Kind]; ok {
			track.end()
			delete(f.remotes[envelope.User], envelope.Kind)
		}
		return []TrackEvent{{Type: TrackUnsubscribed, User: envelope.User, Kind: envelope.Kind}}

	case ParticipantDisconnected:
		var events []TrackEvent
		for kind, track := range f.remotes[envelope.User] {
			track.end()
			events = append(events, TrackEvent{Type: TrackUnsubscribed, User: envelope.User, Kind: kind})
		}
		delete(f.remotes, envelope.User)
		events = append(events, TrackEvent{Type: ParticipantDisconnected, User: envelope.User})
		return events

	default:
		log.Warn().Str("type", string(envelope.Type)).Msg("unknown track event type, ignoring")
		return nil
	}
}

// Close drains the subscription and closes the connection.
func (f *NATSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub != nil {
		if err := f.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe relay feed")
		}
		f.sub = nil
	}
	if f.nc != nil {
		f.nc.Close()
		f.nc = nil
	}
	return nil
}

// remoteTrack is the feed-side handle for a subscribed remote track. It is
// live from subscription until unsubscribe or participant disconnect.
type remoteTrack struct {
	kind Kind

	mu      sync.Mutex
	live    bool
	onEnded func()
}

func newRemoteTrack(kind Kind) *remoteTrack {
	return &remoteTrack{kind: kind, live: true}
}

func (t *remoteTrack) Kind() Kind { return t.kind }

func (t *remoteTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *remoteTrack) Stop() { t.end() }

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *remoteTrack) end() {
	t.mu.Lock()
	wasLive := t.live
	t.live = false
	hook := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	if wasLive && hook != nil {
		hook()
	}
}
