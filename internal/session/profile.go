package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/quorumchat/voicemesh/internal/domain"
)

// ProfileProvider is the upstream collaborator that turns user ids into
// display names and avatars. It lives outside the voice core.
type ProfileProvider interface {
	Lookup(ctx context.Context, id domain.UserID) (domain.Profile, error)
}

// StaticProfiles serves lookups from a fixed map.
type StaticProfiles map[domain.UserID]domain.Profile

func (s StaticProfiles) Lookup(_ context.Context, id domain.UserID) (domain.Profile, error) {
	if p, ok := s[id]; ok {
		return p, nil
	}
	return domain.Profile{}, fmt.Errorf("no profile for %s", id)
}

// HTTPProfiles looks profiles up from the relay's user endpoint.
type HTTPProfiles struct {
	base   string
	client *http.Client
}

func NewHTTPProfiles(baseURL string) *HTTPProfiles {
	return &HTTPProfiles{
		base:   baseURL,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (h *HTTPProfiles) Lookup(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	endpoint := h.base + "/api/users/" + url.PathEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return domain.Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Profile{}, fmt.Errorf("profile lookup: status %d", resp.StatusCode)
	}
	var p domain.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}
