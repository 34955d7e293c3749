package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// tokenRefreshMargin is how close to expiry a cached token is still trusted.
const tokenRefreshMargin = 30 * time.Second

const defaultTokenTTL = 3600 // seconds, when the server omits one

// TokenInfo is a media-session access token with its connection target.
type TokenInfo struct {
	Token     string
	ServerURL string
	ExpiresAt time.Time
}

type tokenRequest struct {
	RoomID string `json:"room_id"`
	User   string `json:"user"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ServerURL string `json:"server_url"`
	TTL       int    `json:"ttl"`
}

// TokenClient fetches relay access tokens, caching them and proactively
// refreshing once within the expiry margin.
type TokenClient struct {
	*BaseClient
	clock clockwork.Clock

	mu     sync.Mutex
	cached *TokenInfo
}

// NewTokenClient creates a token client rooted at the HTTP base URL.
func NewTokenClient(baseURL string, clock clockwork.Clock) *TokenClient {
	return &TokenClient{BaseClient: NewBaseClient(baseURL), clock: clock}
}

// Token returns a valid token for (roomID, user), fetching a fresh one when
// the cache is empty or within the refresh margin of expiry.
func (c *TokenClient) Token(ctx context.Context, roomID, user string) (TokenInfo, error) {
	if roomID == "" || user == "" {
		return TokenInfo{}, fmt.Errorf("room id and user are required for a relay token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.cached != nil && c.cached.ExpiresAt.Sub(now) > tokenRefreshMargin {
		return *c.cached, nil
	}

	body, err := c.PostJSON(ctx, "/sfu/token", tokenRequest{RoomID: roomID, User: user})
	if err != nil {
		return TokenInfo{}, fmt.Errorf("fetch relay token: %w", err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return TokenInfo{}, fmt.Errorf("decode relay token response: %w", err)
	}
	ttl := resp.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	info := TokenInfo{
		Token:     resp.Token,
		ServerURL: resp.ServerURL,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
	}
	c.cached = &info
	return info, nil
}

// Invalidate drops the cached token, forcing the next call to fetch.
func (c *TokenClient) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
