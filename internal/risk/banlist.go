// Package risk implements the pre-trade gate and position sizing.
package risk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BanList tracks the regulator's F&O ban list. Symbols under the
// market-wide position limit ban cannot take new positions. On refresh
// failure the prior list is retained; trading on stale data beats
// trading on none.
type BanList struct {
	mu          sync.RWMutex
	banned      map[string]bool
	refreshedAt time.Time

	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewBanList creates a ban list that refreshes from url. An empty url
// yields a permanently empty list.
func NewBanList(url string, logger zerolog.Logger) *BanList {
	return &BanList{
		banned: make(map[string]bool),
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "banlist").Logger(),
	}
}

// Refresh fetches the current list. The feed is one symbol per line;
// lines starting with "#" and a leading header row are skipped.
func (b *BanList) Refresh(ctx context.Context) error {
	if b.url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return fmt.Errorf("ban list request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn().Err(err).Msg("ban list refresh failed, retaining prior list")
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ban list fetch: status %d", resp.StatusCode)
		b.logger.Warn().Err(err).Msg("ban list refresh failed, retaining prior list")
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		b.logger.Warn().Err(err).Msg("ban list read failed, retaining prior list")
		return err
	}

	banned := parseBanList(string(body))
	b.mu.Lock()
	b.banned = banned
	b.refreshedAt = time.Now()
	b.mu.Unlock()

	b.logger.Info().Int("symbols", len(banned)).Msg("ban list refreshed")
	return nil
}

func parseBanList(body string) map[string]bool {
	banned := make(map[string]bool)
	for i, line := range strings.Split(body, "\n") {
		sym := strings.ToUpper(strings.TrimSpace(line))
		if sym == "" || strings.HasPrefix(sym, "#") {
			continue
		}
		// NSE's CSV carries a header row.
		if i == 0 && strings.Contains(sym, "SYMBOL") {
			continue
		}
		// Some feeds are "SYMBOL,DATE"; keep only the first field.
		if idx := strings.IndexByte(sym, ','); idx >= 0 {
			sym = strings.TrimSpace(sym[:idx])
		}
		if sym != "" {
			banned[sym] = true
		}
	}
	return banned
}

// IsBanned reports whether the underlying is on the current list.
func (b *BanList) IsBanned(underlying string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.banned[strings.ToUpper(underlying)]
}

// RefreshedAt returns when the list was last successfully fetched.
func (b *BanList) RefreshedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.refreshedAt
}
