package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjbstudy/studyroom/internal/protocol"
	"github.com/zjbstudy/studyroom/internal/relay"
)

type fakeTrack struct {
	kind    relay.Kind
	mu      sync.Mutex
	stopped bool
	onEnded func()
}

func (t *fakeTrack) Kind() relay.Kind { return t.kind }

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakePub struct{ track relay.Track }

func (p *fakePub) Track() relay.Track { return p.track }

type fakeSession struct {
	mu           sync.Mutex
	captured     []relay.Kind
	published    []relay.Kind
	unpublished  []relay.Kind
	closed       bool
	captureErr   error
	publishErr   error
	captureCalls int
	constraints  map[relay.Kind]relay.CaptureConstraints

	// Optional capture choreography: every Capture signals captureEntered
	// (when set) and then parks until captureGate closes (when set).
	captureEntered chan struct{}
	captureGate    chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{constraints: make(map[relay.Kind]relay.CaptureConstraints)}
}

func (s *fakeSession) Capture(_ context.Context, kind relay.Kind, c relay.CaptureConstraints) (relay.Track, error) {
	s.mu.Lock()
	s.captureCalls++
	entered, gate := s.captureEntered, s.captureGate
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	s.captured = append(s.captured, kind)
	s.constraints[kind] = c
	return &fakeTrack{kind: kind}, nil
}

func (s *fakeSession) captureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureCalls
}

func (s *fakeSession) Publish(_ context.Context, track relay.Track) (relay.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return nil, s.publishErr
	}
	s.published = append(s.published, track.Kind())
	return &fakePub{track: track}, nil
}

func (s *fakeSession) Unpublish(_ context.Context, pub relay.Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpublished = append(s.unpublished, pub.Track().Kind())
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeLocalTiles struct {
	mu       sync.Mutex
	attached map[relay.Kind]relay.Track
}

func newFakeLocalTiles() *fakeLocalTiles {
	return &fakeLocalTiles{attached: make(map[relay.Kind]relay.Track)}
}

func (f *fakeLocalTiles) AttachTrack(_ string, kind relay.Kind, track relay.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[kind] = track
}

func (f *fakeLocalTiles) DetachTrack(_ string, kind relay.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, kind)
}

func (f *fakeLocalTiles) has(kind relay.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.attached[kind]
	return ok
}

type harness struct {
	mgr      *Manager
	sess     *fakeSession
	tiles    *fakeLocalTiles
	mu       sync.Mutex
	sent     []protocol.MediaFlags
	notices  []string
	connects int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{sess: newFakeSession(), tiles: newFakeLocalTiles()}
	connector := relay.ConnectorFunc(func(context.Context) (relay.Session, error) {
		atomic.AddInt32(&h.connects, 1)
		return h.sess, nil
	})
	h.mgr = NewManager("alice", connector, h.tiles,
		func(f protocol.MediaFlags) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sent = append(h.sent, f)
		},
		func(msg string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notices = append(h.notices, msg)
		})
	return h
}

func (h *harness) sentFlags() []protocol.MediaFlags {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.MediaFlags, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *harness) noticeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

func TestEnablePublishesAndAnnounces(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Video))

	req.True(h.mgr.Flags().Video)
	req.True(h.tiles.has(relay.Video))
	req.Equal([]relay.Kind{relay.Video}, h.sess.published)
	req.Equal(relay.CameraConstraints, h.sess.constraints[relay.Video])

	sent := h.sentFlags()
	req.Len(sent, 1)
	req.Equal(protocol.MediaFlags{Video: true}, sent[0])
}

func TestScreenUsesScreenConstraints(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Screen))
	req.Equal(relay.ScreenConstraints, h.sess.constraints[relay.Screen])
}

func TestCameraScreenExclusive(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Video))

	err := h.mgr.Enable(context.Background(), relay.Screen)
	req.ErrorIs(err, ErrExclusive)

	// Flags untouched, exactly one notice, no second announce.
	req.Equal(protocol.MediaFlags{Video: true}, h.mgr.Flags())
	req.Equal(1, h.noticeCount())
	req.Len(h.sentFlags(), 1)

	// And the mirror case.
	req.NoError(h.mgr.Disable(context.Background(), relay.Video))
	req.NoError(h.mgr.Enable(context.Background(), relay.Screen))
	req.ErrorIs(h.mgr.Enable(context.Background(), relay.Video), ErrExclusive)
	req.Equal(2, h.noticeCount())
}

func TestExclusiveDuringSuspendedEnable(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.sess.captureEntered = make(chan struct{}, 1)
	h.sess.captureGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.mgr.Enable(context.Background(), relay.Video) }()
	<-h.sess.captureEntered

	// The camera capture is parked on the device prompt; screen share must
	// still be rejected rather than slipping past the committed flags.
	err := h.mgr.Enable(context.Background(), relay.Screen)
	req.ErrorIs(err, ErrExclusive)
	req.Equal(1, h.noticeCount())

	close(h.sess.captureGate)
	req.NoError(<-done)

	flags := h.mgr.Flags()
	req.True(flags.Video)
	req.False(flags.Screen)
	req.False(h.tiles.has(relay.Screen))
}

func TestAudioIndependentOfVideo(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Audio))
	req.NoError(h.mgr.Enable(context.Background(), relay.Screen))

	req.Equal(protocol.MediaFlags{Audio: true, Screen: true}, h.mgr.Flags())
}

func TestDisableIdempotent(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Video))
	req.NoError(h.mgr.Disable(context.Background(), relay.Video))
	req.NoError(h.mgr.Disable(context.Background(), relay.Video))

	req.False(h.mgr.Flags().Video)
	req.False(h.tiles.has(relay.Video))
	req.Equal([]relay.Kind{relay.Video}, h.sess.unpublished)
	// enable announce + one disable announce, nothing for the no-op.
	req.Len(h.sentFlags(), 2)
}

func TestConcurrentEnablesShareOneConnect(t *testing.T) {
	req := require.New(t)
	h := &harness{tiles: newFakeLocalTiles()}
	h.sess = newFakeSession()

	release := make(chan struct{})
	connector := relay.ConnectorFunc(func(context.Context) (relay.Session, error) {
		atomic.AddInt32(&h.connects, 1)
		<-release
		return h.sess, nil
	})
	h.mgr = NewManager("alice", connector, h.tiles, nil, nil)

	var wg sync.WaitGroup
	for _, kind := range []relay.Kind{relay.Audio, relay.Video} {
		wg.Add(1)
		go func(k relay.Kind) {
			defer wg.Done()
			_ = h.mgr.Enable(context.Background(), k)
		}(kind)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.connects) == 1
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	req.Equal(int32(1), atomic.LoadInt32(&h.connects))
	flags := h.mgr.Flags()
	req.True(flags.Audio)
	req.True(flags.Video)
}

func TestSecondEnableSharesAttemptOutcome(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.sess.captureErr = errors.New("permission denied")
	h.sess.captureEntered = make(chan struct{}, 1)
	h.sess.captureGate = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- h.mgr.Enable(context.Background(), relay.Video) }()
	<-h.sess.captureEntered

	second := make(chan error, 1)
	go func() { second <- h.mgr.Enable(context.Background(), relay.Video) }()

	// Give the late caller time to park on the in-flight attempt before the
	// device prompt resolves.
	time.Sleep(50 * time.Millisecond)
	close(h.sess.captureGate)

	err1 := <-first
	err2 := <-second
	req.ErrorContains(err1, "permission denied")
	req.ErrorContains(err2, "permission denied")

	// One prompt served both callers.
	req.Equal(1, h.sess.captureCount())
	req.False(h.mgr.Flags().Video)
}

func TestDisableDuringEnableConverges(t *testing.T) {
	req := require.New(t)
	h := &harness{tiles: newFakeLocalTiles()}
	h.sess = newFakeSession()

	entered := make(chan struct{})
	release := make(chan struct{})
	connector := relay.ConnectorFunc(func(context.Context) (relay.Session, error) {
		close(entered)
		<-release
		return h.sess, nil
	})
	h.mgr = NewManager("alice", connector, h.tiles, nil, nil)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Enable(context.Background(), relay.Video) }()

	<-entered
	req.NoError(h.mgr.Disable(context.Background(), relay.Video))
	close(release)
	req.NoError(<-done)

	// The late disable wins: flag off, track stopped, nothing attached.
	req.False(h.mgr.Flags().Video)
	req.False(h.tiles.has(relay.Video))
	h.sess.mu.Lock()
	captured := len(h.sess.captured)
	h.sess.mu.Unlock()
	req.Equal(1, captured)
}

func TestScreenEndedDisablesOnce(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Screen))
	track := h.tiles.attached[relay.Screen].(*fakeTrack)

	track.end()
	track.end()

	req.False(h.mgr.Flags().Screen)
	req.False(h.tiles.has(relay.Screen))
	req.Equal([]relay.Kind{relay.Screen}, h.sess.unpublished)
	// enable + single out-of-band disable.
	req.Len(h.sentFlags(), 2)
}

func TestEnableFailureLeavesStateUntouched(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.sess.captureErr = errors.New("permission denied")

	err := h.mgr.Enable(context.Background(), relay.Video)
	req.Error(err)

	req.Equal(protocol.MediaFlags{}, h.mgr.Flags())
	req.Empty(h.sentFlags())
	req.Equal(1, h.noticeCount())

	// The failure does not wedge the kind; a later enable succeeds.
	h.sess.mu.Lock()
	h.sess.captureErr = nil
	h.sess.mu.Unlock()
	req.NoError(h.mgr.Enable(context.Background(), relay.Video))
	req.True(h.mgr.Flags().Video)
}

func TestDisableAllAndCloseSession(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	req.NoError(h.mgr.Enable(context.Background(), relay.Audio))
	req.NoError(h.mgr.Enable(context.Background(), relay.Video))

	h.mgr.DisableAll(context.Background())
	h.mgr.CloseSession()

	req.Equal(protocol.MediaFlags{}, h.mgr.Flags())
	req.True(h.sess.closed)
	req.ElementsMatch([]relay.Kind{relay.Audio, relay.Video}, h.sess.unpublished)
}

func TestCloseSessionDuringConnectClosesFreshSession(t *testing.T) {
	req := require.New(t)
	h := &harness{tiles: newFakeLocalTiles()}
	h.sess = newFakeSession()

	entered := make(chan struct{})
	release := make(chan struct{})
	connector := relay.ConnectorFunc(func(context.Context) (relay.Session, error) {
		close(entered)
		<-release
		return h.sess, nil
	})
	h.mgr = NewManager("alice", connector, h.tiles, nil, nil)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Enable(context.Background(), relay.Video) }()
	<-entered

	// Teardown while the connect is still in flight.
	h.mgr.DisableAll(context.Background())
	h.mgr.CloseSession()
	close(release)

	req.Error(<-done)

	// The session that finished opening after teardown was closed rather
	// than cached past it.
	req.True(h.sess.closed)
	req.Equal(protocol.MediaFlags{}, h.mgr.Flags())
	req.False(h.tiles.has(relay.Video))
}
