// Package fullscreen arbitrates the two exclusive fullscreen modes: the
// app-rendered page mode and the platform's native mode. Each mode has at
// most one owning tile, and the two modes are mutually exclusive across the
// whole UI.
package fullscreen

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zjbstudy/studyroom/internal/tiles"
)

// Platform is the browser-level fullscreen API.
type Platform interface {
	Request(ctx context.Context, user string, element tiles.Element) error
	Exit(ctx context.Context) error
}

// TileSource answers which element of a tile native fullscreen should target.
type TileSource interface {
	PreferredElement(user string) tiles.Element
	Has(user string) bool
}

// Arbiter tracks page and native fullscreen ownership.
type Arbiter struct {
	mu       sync.Mutex
	platform Platform
	source   TileSource
	notify   func(string)
	onChange func(pageOwner, nativeOwner string)

	pageOwner   string
	nativeOwner string
}

// New creates an arbiter. notify receives user-visible failure notices and
// may be nil.
func New(platform Platform, source TileSource, notify func(string)) *Arbiter {
	return &Arbiter{platform: platform, source: source, notify: notify}
}

// SetOnChange registers a hook invoked after every ownership change.
func (a *Arbiter) SetOnChange(fn func(pageOwner, nativeOwner string)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// Owners returns the current page and native owners; empty means unowned.
func (a *Arbiter) Owners() (pageOwner, nativeOwner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pageOwner, a.nativeOwner
}

// TogglePage enters page fullscreen for user, or exits it when user already
// owns page fullscreen. Entering for a new tile fully exits the previous
// owner first.
func (a *Arbiter) TogglePage(user string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pageOwner == user {
		a.exitPageLocked()
		return
	}
	a.exitPageLocked()
	a.pageOwner = user
	a.changedLocked()
}

// ExitPage leaves page fullscreen, whoever owns it.
func (a *Arbiter) ExitPage() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exitPageLocked()
}

// ToggleNative requests native fullscreen for user, or exits it when user
// already owns it. Another tile's native ownership is asynchronously exited
// before the new acquisition; page fullscreen is released first because the
// modes exclude each other UI-wide.
func (a *Arbiter) ToggleNative(ctx context.Context, user string) {
	a.mu.Lock()
	if a.nativeOwner == user {
		a.mu.Unlock()
		if err := a.platform.Exit(ctx); err != nil {
			log.Warn().Err(err).Str("user", user).Msg("native fullscreen exit failed")
		}
		a.mu.Lock()
		a.nativeOwner = ""
		a.changedLocked()
		a.mu.Unlock()
		return
	}
	previous := a.nativeOwner
	a.mu.Unlock()

	if previous != "" {
		// The previous owner must be fully out before the new request.
		if err := a.platform.Exit(ctx); err != nil {
			log.Warn().Err(err).Str("user", previous).Msg("native fullscreen handover exit failed")
		}
		a.mu.Lock()
		a.nativeOwner = ""
		a.changedLocked()
		a.mu.Unlock()
	}

	a.requestNative(ctx, user)
}

// requestNative acquires native fullscreen for user. Failure clears the
// pending owner and is reported, non-fatal.
func (a *Arbiter) requestNative(ctx context.Context, user string) {
	if !a.source.Has(user) {
		return
	}

	a.mu.Lock()
	a.exitPageLocked()
	a.mu.Unlock()

	element := a.source.PreferredElement(user)
	err := a.platform.Request(ctx, user, element)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.nativeOwner = ""
		log.Warn().Err(err).Str("user", user).Msg("native fullscreen request failed")
		if a.notify != nil {
			a.notify(fmt.Sprintf("entering fullscreen failed: %v", err))
		}
	} else {
		a.nativeOwner = user
	}
	a.changedLocked()
}

// HandleExternalExit clears native ownership after a fullscreen exit this
// component did not initiate, such as the platform handling Escape.
func (a *Arbiter) HandleExternalExit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nativeOwner == "" {
		return
	}
	a.nativeOwner = ""
	a.changedLocked()
}

// HandleEscape exits page fullscreen, but only while native fullscreen is
// not engaged; the platform owns Escape in native mode.
func (a *Arbiter) HandleEscape() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nativeOwner != "" {
		return
	}
	a.exitPageLocked()
}

// Release drops any fullscreen ownership held by user. The tile engine
// calls this before pruning a tile.
func (a *Arbiter) Release(user string) {
	a.mu.Lock()
	if a.pageOwner == user {
		a.exitPageLocked()
	}
	owned := a.nativeOwner == user
	if owned {
		a.nativeOwner = ""
		a.changedLocked()
	}
	a.mu.Unlock()

	if owned {
		if err := a.platform.Exit(context.Background()); err != nil {
			log.Warn().Err(err).Str("user", user).Msg("native fullscreen release failed")
		}
	}
}

// ReleaseAll clears both modes. Used on session teardown.
func (a *Arbiter) ReleaseAll() {
	a.mu.Lock()
	a.exitPageLocked()
	owned := a.nativeOwner != ""
	a.nativeOwner = ""
	if owned {
		a.changedLocked()
	}
	a.mu.Unlock()

	if owned {
		if err := a.platform.Exit(context.Background()); err != nil {
			log.Warn().Err(err).Msg("native fullscreen teardown exit failed")
		}
	}
}

func (a *Arbiter) exitPageLocked() {
	if a.pageOwner == "" {
		return
	}
	a.pageOwner = ""
	a.changedLocked()
}

func (a *Arbiter) changedLocked() {
	if a.onChange != nil {
		a.onChange(a.pageOwner, a.nativeOwner)
	}
}
