package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSession is the publishing side of the track feed. Publishing a local
// track announces it on the room's tracks subject, where every peer's
// NATSFeed picks it up.
type NATSSession struct {
	roomID  string
	userID  string
	subject string

	mu sync.Mutex
	nc *nats.Conn
}

// DialNATSSession connects the publishing side for one user in one room.
// token authenticates against the NATS server; empty means no auth.
func DialNATSSession(roomID, userID, token string, config NATSFeedConfig) (*NATSSession, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("relay session disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("relay session reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect relay session: %w", err)
	}

	return &NATSSession{
		roomID:  roomID,
		userID:  userID,
		subject: fmt.Sprintf("%s.%s.tracks", config.SubjectPrefix, roomID),
		nc:      nc,
	}, nil
}

// Capture opens a local capture handle for kind. The handle carries the
// requested constraints; actual media bytes flow outside this process.
func (s *NATSSession) Capture(_ context.Context, kind Kind, constraints CaptureConstraints) (Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return nil, fmt.Errorf("relay session closed")
	}
	return newLocalTrack(kind, constraints), nil
}

// Publish announces the track to the room.
func (s *NATSSession) Publish(_ context.Context, track Track) (Publication, error) {
	if err := s.announce(TrackSubscribed, track.Kind()); err != nil {
		return nil, fmt.Errorf("publish %s: %w", track.Kind(), err)
	}
	return &localPublication{track: track}, nil
}

// Unpublish withdraws the track announcement.
func (s *NATSSession) Unpublish(_ context.Context, pub Publication) error {
	if err := s.announce(TrackUnsubscribed, pub.Track().Kind()); err != nil {
		return fmt.Errorf("unpublish %s: %w", pub.Track().Kind(), err)
	}
	return nil
}

// Close announces departure and drops the connection.
func (s *NATSSession) Close() error {
	s.mu.Lock()
	nc := s.nc
	s.nc = nil
	s.mu.Unlock()

	if nc == nil {
		return nil
	}
	envelope := natsTrackEnvelope{
		Type:      ParticipantDisconnected,
		User:      s.userID,
		Timestamp: time.Now(),
	}
	if data, err := json.Marshal(envelope); err == nil {
		if err := nc.Publish(s.subject, data); err != nil {
			log.Warn().Err(err).Msg("relay disconnect announcement failed")
		}
		nc.Flush()
	}
	nc.Close()
	return nil
}

func (s *NATSSession) announce(typ TrackEventType, kind Kind) error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("relay session closed")
	}

	data, err := json.Marshal(natsTrackEnvelope{
		Type:      typ,
		User:      s.userID,
		Kind:      kind,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal track envelope: %w", err)
	}
	return nc.Publish(s.subject, data)
}

// localTrack is a capture handle for a locally published track.
type localTrack struct {
	kind        Kind
	constraints CaptureConstraints

	mu      sync.Mutex
	live    bool
	onEnded func()
}

func newLocalTrack(kind Kind, constraints CaptureConstraints) *localTrack {
	return &localTrack{kind: kind, constraints: constraints, live: true}
}

func (t *localTrack) Kind() Kind { return t.kind }

func (t *localTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *localTrack) Stop() {
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

func (t *localTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// localPublication pairs an announcement with its track.
type localPublication struct {
	track Track
}

func (p *localPublication) Track() Track { return p.track }
