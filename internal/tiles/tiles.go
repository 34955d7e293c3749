// Package tiles reconciles per-participant presentation state. A tile can be
// observed into existence by either the signaling snapshot or a relay track
// event; whichever arrives first wins and the second is a no-op.
package tiles

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zjbstudy/studyroom/internal/protocol"
	"github.com/zjbstudy/studyroom/internal/relay"
)

// PlaceholderMode says which placeholder, if any, a tile shows.
type PlaceholderMode int

const (
	PlaceholderNone PlaceholderMode = iota
	// PlaceholderFolded: live video exists but every kind is folded away by
	// preference.
	PlaceholderFolded
	// PlaceholderNoMedia: no live video and the user has not declared any
	// video media active.
	PlaceholderNoMedia
)

// Element identifies the rendering surface inside a tile, in descending
// fullscreen preference order.
type Element int

const (
	ElementScreenVideo Element = iota
	ElementCameraVideo
	ElementPlaceholder
	ElementContainer
)

func (e Element) String() string {
	switch e {
	case ElementScreenVideo:
		return "screen_video"
	case ElementCameraVideo:
		return "camera_video"
	case ElementPlaceholder:
		return "placeholder"
	default:
		return "container"
	}
}

// View is the computed presentation state for one tile.
type View struct {
	User        string
	ShowCamera  bool
	ShowScreen  bool
	CameraLive  bool
	ScreenLive  bool
	Placeholder PlaceholderMode
	Status      string
}

// Renderer receives tile lifecycle and presentation updates. It stands in
// for the rendering layer, which is outside this engine.
type Renderer interface {
	TileCreated(user string)
	TileUpdated(user string, view View)
	TileRemoved(user string)
}

// FullscreenReleaser releases any fullscreen ownership a tile holds. Wired
// to the fullscreen arbiter; pruning calls it before deleting a tile.
type FullscreenReleaser interface {
	Release(user string)
}

type tile struct {
	prefs  map[relay.Kind]bool
	tracks map[relay.Kind]relay.Track
}

func newTile() *tile {
	return &tile{
		// Visibility preferences default to visible and live only as long
		// as the tile does.
		prefs:  map[relay.Kind]bool{relay.Video: true, relay.Screen: true},
		tracks: make(map[relay.Kind]relay.Track),
	}
}

func (t *tile) live(kind relay.Kind) bool {
	track, ok := t.tracks[kind]
	return ok && track != nil && track.Live()
}

// Engine owns the tile map and the per-user declared media views.
type Engine struct {
	mu         sync.Mutex
	localUser  string
	renderer   Renderer
	fullscreen FullscreenReleaser

	tiles    map[string]*tile
	declared map[string]protocol.MediaFlags
}

// NewEngine creates an engine for the given local user.
func NewEngine(localUser string, renderer Renderer) *Engine {
	return &Engine{
		localUser: localUser,
		renderer:  renderer,
		tiles:     make(map[string]*tile),
		declared:  make(map[string]protocol.MediaFlags),
	}
}

// SetFullscreen wires the fullscreen arbiter for ownership release on prune.
func (e *Engine) SetFullscreen(f FullscreenReleaser) {
	e.mu.Lock()
	e.fullscreen = f
	e.mu.Unlock()
}

// Ensure creates the tile for user if absent. Creation is idempotent across
// both trigger paths.
func (e *Engine) Ensure(user string) {
	e.mu.Lock()
	created := e.ensureLocked(user)
	e.mu.Unlock()
	if created {
		e.renderer.TileCreated(user)
		e.refresh(user)
	}
}

// Has reports whether a tile exists for user.
func (e *Engine) Has(user string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tiles[user]
	return ok
}

// Users returns the users with tiles, in no particular order.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.tiles))
	for user := range e.tiles {
		users = append(users, user)
	}
	return users
}

// ApplySnapshot reconciles tiles against the authoritative participant list:
// tiles are created for every listed user and destroyed for everyone absent,
// except the local user's own tile. The snapshot's media states replace the
// declared view per listed user.
func (e *Engine) ApplySnapshot(snap *protocol.Snapshot) {
	e.mu.Lock()
	keep := map[string]bool{e.localUser: true}
	var touched, created []string
	for _, user := range snap.Participants {
		keep[user] = true
		if e.ensureLocked(user) {
			created = append(created, user)
		}
		touched = append(touched, user)
	}
	for user, flags := range snap.MediaStates {
		e.declared[user] = flags
	}
	var removed []string
	for user := range e.tiles {
		if !keep[user] {
			removed = append(removed, user)
		}
	}
	for _, user := range removed {
		e.removeLocked(user)
	}
	e.mu.Unlock()

	for _, user := range created {
		e.renderer.TileCreated(user)
	}
	for _, user := range removed {
		e.renderer.TileRemoved(user)
	}
	for _, user := range touched {
		e.refresh(user)
	}
}

// UpdateDeclared merges a single user's declared media flags, last write
// wins, and refreshes that user's tile only.
func (e *Engine) UpdateDeclared(user string, flags protocol.MediaFlags) {
	e.mu.Lock()
	e.declared[user] = flags
	created := e.ensureLocked(user)
	e.mu.Unlock()
	if created {
		e.renderer.TileCreated(user)
	}
	e.refresh(user)
}

// AttachTrack binds a track to the user's tile, creating the tile if the
// relay event arrived before any snapshot mentioned the user.
func (e *Engine) AttachTrack(user string, kind relay.Kind, track relay.Track) {
	e.mu.Lock()
	created := e.ensureLocked(user)
	e.tiles[user].tracks[kind] = track
	e.mu.Unlock()
	if created {
		e.renderer.TileCreated(user)
	}
	e.refresh(user)
}

// DetachTrack drops the user's track handle for kind. Unknown users and
// kinds are ignored.
func (e *Engine) DetachTrack(user string, kind relay.Kind) {
	e.mu.Lock()
	if t, ok := e.tiles[user]; ok {
		delete(t.tracks, kind)
	}
	e.mu.Unlock()
	e.refresh(user)
}

// TogglePreference flips the fold preference for a video kind on a tile.
func (e *Engine) TogglePreference(user string, kind relay.Kind) {
	if kind != relay.Video && kind != relay.Screen {
		return
	}
	e.mu.Lock()
	if t, ok := e.tiles[user]; ok {
		t.prefs[kind] = !t.prefs[kind]
	}
	e.mu.Unlock()
	e.refresh(user)
}

// Preference reports the fold preference for a video kind.
func (e *Engine) Preference(user string, kind relay.Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tiles[user]
	return ok && t.prefs[kind]
}

// View returns the computed presentation state for a tile.
func (e *Engine) View(user string) (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tiles[user]; !ok {
		return View{}, false
	}
	return e.viewLocked(user), true
}

// PreferredElement picks the element native fullscreen should target: the
// most content-bearing surface the tile currently has.
func (e *Engine) PreferredElement(user string) Element {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tiles[user]
	if !ok {
		return ElementContainer
	}
	view := e.viewLocked(user)
	switch {
	case view.ShowScreen:
		return ElementScreenVideo
	case view.ShowCamera:
		return ElementCameraVideo
	case t.live(relay.Screen):
		return ElementScreenVideo
	case t.live(relay.Video):
		return ElementCameraVideo
	case view.Placeholder != PlaceholderNone:
		return ElementPlaceholder
	default:
		return ElementContainer
	}
}

// Remove destroys a tile, releasing its resource handles and any fullscreen
// ownership first. The local tile is exempt while the session is connected;
// callers enforce that via ApplySnapshot and Reset.
func (e *Engine) Remove(user string) {
	e.mu.Lock()
	_, ok := e.tiles[user]
	if ok {
		e.removeLocked(user)
	}
	e.mu.Unlock()
	if ok {
		e.renderer.TileRemoved(user)
	}
}

// Reset tears down everything but the local tile and strips the local
// tile's tracks. Used when the signaling connection closes.
func (e *Engine) Reset() {
	e.mu.Lock()
	var removed []string
	for user := range e.tiles {
		if user != e.localUser {
			removed = append(removed, user)
		}
	}
	for _, user := range removed {
		e.removeLocked(user)
	}
	e.declared = make(map[string]protocol.MediaFlags)
	if local, ok := e.tiles[e.localUser]; ok {
		local.tracks = make(map[relay.Kind]relay.Track)
	}
	hasLocal := e.tiles[e.localUser] != nil
	e.mu.Unlock()

	for _, user := range removed {
		e.renderer.TileRemoved(user)
	}
	if hasLocal {
		e.refresh(e.localUser)
	}
}

// ensureLocked creates the tile if absent and reports whether it did.
// Renderer notification is the caller's job, after the lock is released.
func (e *Engine) ensureLocked(user string) bool {
	if _, ok := e.tiles[user]; ok {
		return false
	}
	e.tiles[user] = newTile()
	log.Debug().Str("user", user).Msg("tile created")
	return true
}

func (e *Engine) removeLocked(user string) {
	t := e.tiles[user]
	if e.fullscreen != nil {
		e.fullscreen.Release(user)
	}
	for _, track := range t.tracks {
		if track != nil {
			track.Stop()
		}
	}
	delete(e.tiles, user)
	delete(e.declared, user)
	log.Debug().Str("user", user).Msg("tile removed")
}

func (e *Engine) refresh(user string) {
	e.mu.Lock()
	_, ok := e.tiles[user]
	var view View
	if ok {
		view = e.viewLocked(user)
	}
	e.mu.Unlock()
	if ok {
		e.renderer.TileUpdated(user, view)
	}
}

func (e *Engine) viewLocked(user string) View {
	t := e.tiles[user]
	flags := e.declared[user]

	cameraLive := t.live(relay.Video)
	screenLive := t.live(relay.Screen)
	showCamera := t.prefs[relay.Video] && cameraLive
	showScreen := t.prefs[relay.Screen] && screenLive

	anyLive := cameraLive || screenLive
	anyVisible := showCamera || showScreen

	placeholder := PlaceholderNone
	switch {
	case anyLive && !anyVisible:
		placeholder = PlaceholderFolded
	case !anyLive && !flags.Video && !flags.Screen:
		placeholder = PlaceholderNoMedia
	}

	return View{
		User:        user,
		ShowCamera:  showCamera,
		ShowScreen:  showScreen,
		CameraLive:  cameraLive,
		ScreenLive:  screenLive,
		Placeholder: placeholder,
		Status:      statusText(flags),
	}
}

func statusText(flags protocol.MediaFlags) string {
	var parts []string
	if flags.Audio {
		parts = append(parts, "mic")
	}
	if flags.Video {
		parts = append(parts, "camera")
	}
	if flags.Screen {
		parts = append(parts, "screen")
	}
	if len(parts) == 0 {
		return "no devices on"
	}
	return strings.Join(parts, " / ") + " on"
}
