package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFeed() *NATSFeed {
	return &NATSFeed{
		roomID:  "room-1",
		config:  DefaultNATSFeedConfig(),
		remotes: make(map[string]map[Kind]*remoteTrack),
	}
}

func TestTranslateSubscribeYieldsLiveTrack(t *testing.T) {
	req := require.New(t)
	f := newTestFeed()

	events := f.translate(natsTrackEnvelope{Type: TrackSubscribed, User: "bob", Kind: Video})
	req.Len(events, 1)
	req.Equal(TrackSubscribed, events[0].Type)
	req.Equal("bob", events[0].User)
	req.Equal(Video, events[0].Kind)
	req.NotNil(events[0].Track)
	req.True(events[0].Track.Live())
}

func TestTranslateUnsubscribeEndsTrack(t *testing.T) {
	req := require.New(t)
	f := newTestFeed()

	sub := f.translate(natsTrackEnvelope{Type: TrackSubscribed, User: "bob", Kind: Video})
	track := sub[0].Track

	ended := false
	track.OnEnded(func() { ended = true })

	events := f.translate(natsTrackEnvelope{Type: TrackUnsubscribed, User: "bob", Kind: Video})
	req.Len(events, 1)
	req.Equal(TrackUnsubscribed, events[0].Type)
	req.False(track.Live())
	req.True(ended)
}

func TestTranslateDisconnectFansOut(t *testing.T) {
	req := require.New(t)
	f := newTestFeed()

	camera := f.translate(natsTrackEnvelope{Type: TrackSubscribed, User: "bob", Kind: Video})[0].Track
	screen := f.translate(natsTrackEnvelope{Type: TrackSubscribed, User: "bob", Kind: Screen})[0].Track

	events := f.translate(natsTrackEnvelope{Type: ParticipantDisconnected, User: "bob"})

	// One unsubscribe per live track, then the disconnect itself.
	req.Len(events, 3)
	req.Equal(ParticipantDisconnected, events[len(events)-1].Type)
	kinds := []Kind{events[0].Kind, events[1].Kind}
	req.ElementsMatch([]Kind{Video, Screen}, kinds)
	req.False(camera.Live())
	req.False(screen.Live())
}

func TestTranslateUnknownUserUnsubscribeIsHarmless(t *testing.T) {
	req := require.New(t)
	f := newTestFeed()

	events := f.translate(natsTrackEnvelope{Type: TrackUnsubscribed, User: "ghost", Kind: Video})
	req.Len(events, 1)
}

func TestTranslateUnknownTypeDropped(t *testing.T) {
	req := require.New(t)
	f := newTestFeed()

	req.Nil(f.translate(natsTrackEnvelope{Type: "mystery", User: "bob"}))
}

func TestLocalTrackStopFiresEndedOnce(t *testing.T) {
	req := require.New(t)

	track := newLocalTrack(Screen, ScreenConstraints)
	req.True(track.Live())
	req.Equal(Screen, track.Kind())

	fired := 0
	track.OnEnded(func() { fired++ })

	track.Stop()
	track.Stop()

	req.False(track.Live())
	req.Equal(1, fired)
}

func TestCaptureConstraintDefaults(t *testing.T) {
	req := require.New(t)
	req.Equal(CaptureConstraints{Width: 1280, Height: 720, FrameRate: 20}, CameraConstraints)
	req.Equal(CaptureConstraints{Width: 1920, Height: 1080, FrameRate: 20}, ScreenConstraints)
}
