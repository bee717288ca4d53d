package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/snoupix/sharify-go/internal/metrics"
	"github.com/sony/gobreaker"
)

type apiArtist struct {
	Name string `json:"name"`
}

const (
	tokenURL              = "https://accounts.spotify.com/api/token"
	recentlyPlayedURL     = "https://api.spotify.com/v1/me/player/recently-played"
	currentPlaybackURL    = "https://api.spotify.com/v1/me/player"
	playerQueueURL        = "https://api.spotify.com/v1/me/player/queue"
	searchURL             = "https://api.spotify.com/v1/search"
	setVolumeURL          = "https://api.spotify.com/v1/me/player/volume"
	seekToPosURL          = "https://api.spotify.com/v1/me/player/seek"
	skipPreviousURL       = "https://api.spotify.com/v1/me/player/previous"
	skipNextURL           = "https://api.spotify.com/v1/me/player/next"
	playResumeURL         = "https://api.spotify.com/v1/me/player/play"
	pauseURL              = "https://api.spotify.com/v1/me/player/pause"
	meURL                 = "https://api.spotify.com/v1/me"
	breakerName           = "spotify"
)

// Client is a single authorizing account's handle on the external provider.
// It is safe for concurrent use by multiple room goroutines.
type Client struct {
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rateLimiter
	clientID string

	mu     sync.RWMutex
	tokens Tokens
}

// NewClient builds a provider client authorized for clientID, seeded with
// an initial token set (typically loaded from persisted state).
func NewClient(clientID string, tokens Tokens) *Client {
	st := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateHalfOpen:
				v = 2
			case gobreaker.StateOpen:
				v = 1
			}
			metrics.ProviderCircuitState.Set(v)
		},
	}

	return &Client{
		http:     &http.Client{Timeout: 10 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(st),
		limiter:  newRateLimiter(),
		clientID: clientID,
		tokens:   tokens,
	}
}

// Tokens returns a copy of the currently held token set.
func (c *Client) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken
}

// do executes req through the rate limiter and circuit breaker, decoding a
// JSON response body into out when out is non-nil. A nil out with a 2xx
// response is treated as success regardless of body shape.
func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	if err := c.limiter.acquire(); err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(req.URL.Path, "rate_limited").Inc()
		return err
	}

	req = req.WithContext(ctx)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("provider: reading response body: %w", readErr)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("provider: %s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
		}

		return body, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.ProviderRequestsTotal.WithLabelValues(req.URL.Path, "circuit_open").Inc()
			return ErrCircuitOpen
		}
		metrics.ProviderRequestsTotal.WithLabelValues(req.URL.Path, "error").Inc()
		return err
	}

	metrics.ProviderRequestsTotal.WithLabelValues(req.URL.Path, "ok").Inc()

	body := result.([]byte)
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("provider: decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) newAuthedRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken())
	req.Header.Set("Content-Length", "0")
	return req, nil
}

// RefreshToken exchanges the held refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {c.Tokens().RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return Tokens{}, err
	}
	req.URL.RawQuery = form.Encode()
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", "0")

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := c.do(ctx, req, &body); err != nil {
		return Tokens{}, fmt.Errorf("refreshing token: %w", err)
	}

	c.mu.Lock()
	c.tokens = Tokens{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    body.ExpiresIn,
		CreatedAt:    time.Now().Unix(),
	}
	tok := c.tokens
	c.mu.Unlock()

	return tok, nil
}

// RecentTracks returns up to 50 (default 5) of the most recently played
// tracks on the authorizing account.
func (c *Client) RecentTracks(ctx context.Context, n uint16) ([]Track, error) {
	if n == 0 {
		n = 5
	}
	if n > 50 {
		return nil, fmt.Errorf("provider: recent tracks limit must be 1 to 50, got %d", n)
	}

	req, err := c.newAuthedRequest(ctx, http.MethodGet, fmt.Sprintf("%s?limit=%d", recentlyPlayedURL, n))
	if err != nil {
		return nil, err
	}

	var body struct {
		Items []struct {
			Track struct {
				ID         string `json:"id"`
				Name       string `json:"name"`
				DurationMS int64  `json:"duration_ms"`
				Artists    []apiArtist `json:"artists"`
			} `json:"track"`
		} `json:"items"`
	}
	if err := c.do(ctx, req, &body); err != nil {
		return nil, fmt.Errorf("fetching recent tracks: %w", err)
	}

	out := make([]Track, 0, len(body.Items))
	for _, item := range body.Items {
		out = append(out, Track{
			ID:         item.Track.ID,
			Name:       item.Track.Name,
			ArtistName: joinArtists(namesOf(item.Track.Artists)),
			DurationMS: item.Track.DurationMS,
		})
	}
	return out, nil
}

// CurrentPlaybackState returns the authorizing account's current playback,
// or nil if nothing is currently playing.
func (c *Client) CurrentPlaybackState(ctx context.Context) (*PlaybackState, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, currentPlaybackURL)
	if err != nil {
		return nil, err
	}

	var body struct {
		Device struct {
			ID            string `json:"id"`
			VolumePercent uint8  `json:"volume_percent"`
		} `json:"device"`
		ShuffleState bool    `json:"shuffle_state"`
		ProgressMS   *uint64 `json:"progress_ms"`
		IsPlaying    bool    `json:"is_playing"`
		Item         struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			DurationMS uint64 `json:"duration_ms"`
			Artists    []apiArtist `json:"artists"`
			Album struct {
				Images []struct {
					URL string `json:"url"`
				} `json:"images"`
			} `json:"album"`
		} `json:"item"`
	}
	if err := c.do(ctx, req, &body); err != nil {
		return nil, fmt.Errorf("fetching current playback state: %w", err)
	}
	if body.Item.ID == "" {
		return nil, nil
	}

	var albumImage string
	if len(body.Item.Album.Images) > 0 {
		albumImage = body.Item.Album.Images[0].URL
	}

	return &PlaybackState{
		DeviceID:     body.Device.ID,
		DeviceVolume: body.Device.VolumePercent,
		Shuffle:      body.ShuffleState,
		ProgressMS:   body.ProgressMS,
		DurationMS:   body.Item.DurationMS,
		IsPlaying:    body.IsPlaying,
		Track: Track{
			ID:         body.Item.ID,
			Name:       body.Item.Name,
			ArtistName: joinArtists(namesOf(body.Item.Artists)),
			DurationMS: int64(body.Item.DurationMS),
		},
		AlbumImageSrc: albumImage,
	}, nil
}

// NextTracks returns the authorizing account's upcoming playback queue.
func (c *Client) NextTracks(ctx context.Context) ([]Track, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, playerQueueURL)
	if err != nil {
		return nil, err
	}

	var body struct {
		Queue []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			DurationMS int64  `json:"duration_ms"`
			Artists    []apiArtist `json:"artists"`
		} `json:"queue"`
	}
	if err := c.do(ctx, req, &body); err != nil {
		return nil, fmt.Errorf("fetching next tracks: %w", err)
	}

	out := make([]Track, 0, len(body.Queue))
	for _, item := range body.Queue {
		out = append(out, Track{
			ID:         item.ID,
			Name:       item.Name,
			ArtistName: joinArtists(namesOf(item.Artists)),
			DurationMS: item.DurationMS,
		})
	}
	return out, nil
}

// SearchTracks looks up tracks matching a free-text query.
func (c *Client) SearchTracks(ctx context.Context, query string) ([]Track, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, fmt.Sprintf("%s?type=track&q=%s&limit=20", searchURL, url.QueryEscape(query)))
	if err != nil {
		return nil, err
	}

	var body struct {
		Tracks struct {
			Items []struct {
				ID         string `json:"id"`
				Name       string `json:"name"`
				DurationMS int64  `json:"duration_ms"`
				Artists    []apiArtist `json:"artists"`
			} `json:"items"`
		} `json:"tracks"`
	}
	if err := c.do(ctx, req, &body); err != nil {
		return nil, fmt.Errorf("searching tracks: %w", err)
	}

	out := make([]Track, 0, len(body.Tracks.Items))
	for _, item := range body.Tracks.Items {
		out = append(out, Track{
			ID:         item.ID,
			Name:       item.Name,
			ArtistName: joinArtists(namesOf(item.Artists)),
			DurationMS: item.DurationMS,
		})
	}
	return out, nil
}

// AddTrackToQueue appends a track to the authorizing account's playback
// queue by id.
func (c *Client) AddTrackToQueue(ctx context.Context, trackID string) error {
	uri := url.QueryEscape(fmt.Sprintf("spotify:track:%s", trackID))
	req, err := c.newAuthedRequest(ctx, http.MethodPost, fmt.Sprintf("%s?uri=%s", playerQueueURL, uri))
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// PlayResume resumes (or starts) playback on the authorizing account.
func (c *Client) PlayResume(ctx context.Context) error {
	req, err := c.newAuthedRequest(ctx, http.MethodPut, playResumeURL)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// Pause pauses playback on the authorizing account.
func (c *Client) Pause(ctx context.Context) error {
	req, err := c.newAuthedRequest(ctx, http.MethodPut, pauseURL)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// SkipPrevious skips to the previous track.
func (c *Client) SkipPrevious(ctx context.Context) error {
	req, err := c.newAuthedRequest(ctx, http.MethodPost, skipPreviousURL)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// SkipNext skips to the next track.
func (c *Client) SkipNext(ctx context.Context) error {
	req, err := c.newAuthedRequest(ctx, http.MethodPost, skipNextURL)
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// SeekToMS seeks the current track to the given offset.
func (c *Client) SeekToMS(ctx context.Context, ms uint64) error {
	req, err := c.newAuthedRequest(ctx, http.MethodPut, fmt.Sprintf("%s?position_ms=%d", seekToPosURL, ms))
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// SetVolume sets playback volume as a percentage, 0 to 100.
func (c *Client) SetVolume(ctx context.Context, percent uint8) error {
	req, err := c.newAuthedRequest(ctx, http.MethodPut, fmt.Sprintf("%s?volume_percent=%d", setVolumeURL, percent))
	if err != nil {
		return err
	}
	return c.do(ctx, req, nil)
}

// MyID returns the authorizing account's provider-side user id.
func (c *Client) MyID(ctx context.Context) (string, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, meURL)
	if err != nil {
		return "", err
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, req, &body); err != nil {
		return "", fmt.Errorf("fetching account id: %w", err)
	}
	return body.ID, nil
}

func namesOf(artists []apiArtist) []string {
	out := make([]string, 0, len(artists))
	for _, a := range artists {
		name := a.Name
		if name == "" {
			name = "Unknown artist"
		}
		out = append(out, name)
	}
	return out
}

func joinArtists(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += " - "
		}
		out += n
	}
	return out
}
