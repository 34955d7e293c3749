// Package media runs the local publication state machine: three
// independently toggleable channels (audio, camera, screen) published to the
// media relay, with camera and screen mutually exclusive.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zjbstudy/studyroom/internal/protocol"
	"github.com/zjbstudy/studyroom/internal/relay"
)

// ErrExclusive rejects enabling camera while screen sharing or vice versa.
// The conflict is reported as a notice; it is never auto-resolved.
var ErrExclusive = errors.New("camera and screen share are mutually exclusive")

// errClosedDuringConnect fails a connect attempt that CloseSession overtook.
var errClosedDuringConnect = errors.New("relay session closed during connect")

// LocalTiles is the slice of the tile engine the media manager needs: the
// local user's own rendering surfaces.
type LocalTiles interface {
	AttachTrack(user string, kind relay.Kind, track relay.Track)
	DetachTrack(user string, kind relay.Kind)
}

// inflightConnect shares one media-session connection attempt between
// concurrent enable calls. Late callers await the first caller's result
// instead of opening a duplicate session.
type inflightConnect struct {
	done chan struct{}
	sess relay.Session
	err  error
}

// enableAttempt is one in-flight enable for a kind. Late callers for the
// same kind park on done and share err instead of racing the device prompt.
type enableAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns the local MediaState and its publication handles.
type Manager struct {
	localUser string
	connector relay.Connector
	tiles     LocalTiles
	broadcast func(protocol.MediaFlags)
	notify    func(string)

	mu       sync.Mutex
	session  relay.Session
	inflight *inflightConnect
	// gen is bumped by CloseSession so a connect that resolves afterwards
	// can tell it raced teardown and must not cache its session.
	gen int

	flags  protocol.MediaFlags
	races  map[relay.Kind]*raceState
	tracks map[relay.Kind]relay.Track
	pubs   map[relay.Kind]relay.Publication
}

// raceState tracks an enable in flight for one kind, so a disable issued
// meanwhile still converges once the enable resolves.
type raceState struct {
	attempt          *enableAttempt
	disableRequested bool
}

// NewManager creates a media manager for the local user. broadcast sends
// the updated flags over the signaling channel; notify posts user-visible
// notices. Either may be nil.
func NewManager(localUser string, connector relay.Connector, tiles LocalTiles, broadcast func(protocol.MediaFlags), notify func(string)) *Manager {
	return &Manager{
		localUser: localUser,
		connector: connector,
		tiles:     tiles,
		broadcast: broadcast,
		notify:    notify,
		races:     make(map[relay.Kind]*raceState),
		tracks:    make(map[relay.Kind]relay.Track),
		pubs:      make(map[relay.Kind]relay.Publication),
	}
}

// Flags returns the current local media state.
func (m *Manager) Flags() protocol.MediaFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Toggle enables or disables a kind based on its current flag.
func (m *Manager) Toggle(ctx context.Context, kind relay.Kind) error {
	m.mu.Lock()
	on := m.flagFor(kind)
	m.mu.Unlock()
	if on {
		return m.Disable(ctx, kind)
	}
	return m.Enable(ctx, kind)
}

// Enable acquires, publishes and announces a local capture for kind. On any
// failure the state is left unchanged and reported; there is no automatic
// retry.
func (m *Manager) Enable(ctx context.Context, kind relay.Kind) error {
	m.mu.Lock()
	if m.flagFor(kind) {
		m.mu.Unlock()
		return nil
	}
	if m.conflictLocked(kind) {
		m.mu.Unlock()
		m.noticeExclusive(kind)
		return ErrExclusive
	}
	race := m.races[kind]
	if race == nil {
		race = &raceState{}
		m.races[kind] = race
	}
	if race.attempt != nil {
		// A second caller during the device prompt awaits the first
		// attempt and shares its outcome.
		attempt := race.attempt
		m.mu.Unlock()
		<-attempt.done
		return attempt.err
	}
	attempt := &enableAttempt{done: make(chan struct{})}
	race.attempt = attempt
	race.disableRequested = false
	m.mu.Unlock()

	attempt.err = m.runEnable(ctx, kind, race)
	close(attempt.done)
	return attempt.err
}

// runEnable performs the suspended part of an enable and commits or unwinds
// the result. The attempt registered for kind is cleared under the same lock
// hold that commits, so exclusivity checks never observe a half-done enable.
func (m *Manager) runEnable(ctx context.Context, kind relay.Kind, race *raceState) error {
	track, pub, err := m.acquireAndPublish(ctx, kind)

	m.mu.Lock()
	race.attempt = nil
	if err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Str("kind", string(kind)).Msg("media enable failed")
		if m.notify != nil {
			m.notify(fmt.Sprintf("failed to enable %s: %v", kind, err))
		}
		return err
	}
	if race.disableRequested {
		// Disable arrived while the enable was suspended; converge by
		// cleaning up the freshly published track instead of keeping an
		// orphan.
		race.disableRequested = false
		m.mu.Unlock()
		m.cleanup(ctx, kind, track, pub)
		return nil
	}
	m.setHandles(kind, track, pub)
	m.setFlag(kind, true)
	flags := m.flags
	m.mu.Unlock()

	if kind == relay.Screen {
		// The OS stop-sharing affordance ends the capture out-of-band;
		// route it through the regular disable path exactly once.
		var once sync.Once
		track.OnEnded(func() {
			once.Do(func() {
				if err := m.Disable(context.Background(), relay.Screen); err != nil {
					log.Warn().Err(err).Msg("screen share cleanup after out-of-band end failed")
				}
			})
		})
	}

	m.tiles.AttachTrack(m.localUser, kind, track)
	m.announce(flags)
	return nil
}

// Disable detaches, unpublishes and stops the local capture for kind, then
// announces the cleared flag. Disabling an already-disabled kind is a no-op.
func (m *Manager) Disable(ctx context.Context, kind relay.Kind) error {
	m.mu.Lock()
	if race := m.races[kind]; race != nil && race.attempt != nil {
		race.disableRequested = true
		m.mu.Unlock()
		return nil
	}
	if !m.flagFor(kind) {
		m.mu.Unlock()
		return nil
	}
	track, pub := m.takeHandles(kind)
	m.setFlag(kind, false)
	flags := m.flags
	m.mu.Unlock()

	m.tiles.DetachTrack(m.localUser, kind)
	m.cleanup(ctx, kind, track, pub)
	m.announce(flags)
	return nil
}

// DisableAll turns off every channel. Used on leave and on signaling close.
func (m *Manager) DisableAll(ctx context.Context) {
	for _, kind := range []relay.Kind{relay.Audio, relay.Video, relay.Screen} {
		if err := m.Disable(ctx, kind); err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("disable during teardown failed")
		}
	}
}

// CloseSession disconnects from the relay. Pending captures are assumed to
// have been disabled already; a connect still in flight is invalidated, and
// its session is closed when it resolves.
func (m *Manager) CloseSession() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.gen++
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Msg("relay session close failed")
		}
	}
}

// Announce rebroadcasts the current flags; the lifecycle manager calls this
// once right after the signaling channel opens.
func (m *Manager) Announce() {
	m.announce(m.Flags())
}

// acquireAndPublish connects (or joins the in-flight connect), captures the
// device and publishes the track.
func (m *Manager) acquireAndPublish(ctx context.Context, kind relay.Kind) (relay.Track, relay.Publication, error) {
	sess, err := m.ensureSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect media session: %w", err)
	}

	constraints := relay.CaptureConstraints{}
	switch kind {
	case relay.Video:
		constraints = relay.CameraConstraints
	case relay.Screen:
		constraints = relay.ScreenConstraints
	}

	track, err := sess.Capture(ctx, kind, constraints)
	if err != nil {
		return nil, nil, fmt.Errorf("capture %s: %w", kind, err)
	}

	pub, err := sess.Publish(ctx, track)
	if err != nil {
		track.Stop()
		return nil, nil, fmt.Errorf("publish %s: %w", kind, err)
	}
	return track, pub, nil
}

// ensureSession returns the established relay session, sharing a single
// in-flight connection attempt across concurrent callers. A connect that
// resolves after CloseSession closes the fresh session instead of caching it.
func (m *Manager) ensureSession(ctx context.Context) (relay.Session, error) {
	m.mu.Lock()
	if m.session != nil {
		sess := m.session
		m.mu.Unlock()
		return sess, nil
	}
	if m.inflight != nil {
		attempt := m.inflight
		m.mu.Unlock()
		<-attempt.done
		return attempt.sess, attempt.err
	}
	attempt := &inflightConnect{done: make(chan struct{})}
	m.inflight = attempt
	gen := m.gen
	m.mu.Unlock()

	sess, err := m.connector.Connect(ctx)

	m.mu.Lock()
	var stale relay.Session
	if err == nil && m.gen != gen {
		stale = sess
		sess, err = nil, errClosedDuringConnect
	}
	if err == nil {
		m.session = sess
	}
	attempt.sess = sess
	attempt.err = err
	m.inflight = nil
	m.mu.Unlock()
	close(attempt.done)

	if stale != nil {
		if cerr := stale.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing relay session opened during teardown failed")
		}
	}
	return sess, err
}

// cleanup detaches and releases a track/publication pair. Unpublish errors
// are swallowed; the capture is stopped regardless.
func (m *Manager) cleanup(ctx context.Context, kind relay.Kind, track relay.Track, pub relay.Publication) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if pub != nil && sess != nil {
		if err := sess.Unpublish(ctx, pub); err != nil {
			log.Debug().Err(err).Str("kind", string(kind)).Msg("unpublish failed, ignoring")
		}
	}
	if track != nil {
		track.Stop()
	}
}

func (m *Manager) announce(flags protocol.MediaFlags) {
	if m.broadcast != nil {
		m.broadcast(flags)
	}
}

// conflictLocked reports whether enabling kind would violate camera/screen
// exclusivity, counting both committed flags and an enable still in flight
// for the conflicting kind.
func (m *Manager) conflictLocked(kind relay.Kind) bool {
	var other relay.Kind
	switch kind {
	case relay.Video:
		other = relay.Screen
	case relay.Screen:
		other = relay.Video
	default:
		return false
	}
	if m.flagFor(other) {
		return true
	}
	race := m.races[other]
	return race != nil && race.attempt != nil
}

func (m *Manager) noticeExclusive(kind relay.Kind) {
	if m.notify == nil {
		return
	}
	if kind == relay.Video {
		m.notify("screen share is on; turn it off before enabling the camera")
	} else {
		m.notify("camera is on; turn it off before sharing the screen")
	}
}

func (m *Manager) setHandles(kind relay.Kind, track relay.Track, pub relay.Publication) {
	m.tracks[kind] = track
	m.pubs[kind] = pub
}

func (m *Manager) takeHandles(kind relay.Kind) (relay.Track, relay.Publication) {
	track := m.tracks[kind]
	pub := m.pubs[kind]
	delete(m.tracks, kind)
	delete(m.pubs, kind)
	return track, pub
}

func (m *Manager) flagFor(kind relay.Kind) bool {
	switch kind {
	case relay.Audio:
		return m.flags.Audio
	case relay.Video:
		return m.flags.Video
	case relay.Screen:
		return m.flags.Screen
	}
	return false
}

func (m *Manager) setFlag(kind relay.Kind, on bool) {
	switch kind {
	case relay.Audio:
		m.flags.Audio = on
	case relay.Video:
		m.flags.Video = on
	case relay.Screen:
		m.flags.Screen = on
	}
}
