package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/retail-a2a/host/pkg/a2a"
)

const maxCardBytes = 1 << 20

// Fetcher retrieves an agent card from a base endpoint
type Fetcher interface {
	FetchCard(ctx context.Context, endpoint string) (a2a.AgentCard, error)
}

// HTTPFetcher fetches cards from <endpoint>/.well-known/agent.json
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher using client, or http.DefaultClient when nil
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client}
}

// FetchCard downloads and validates the card published at endpoint
func (f *HTTPFetcher) FetchCard(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
	var card a2a.AgentCard

	url := strings.TrimSuffix(endpoint, "/") + a2a.WellKnownCardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return card, a2a.NewError(a2a.KindDiscovery, endpoint, err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return card, a2a.NewError(a2a.KindDiscovery, endpoint, err, "agent unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return card, a2a.NewError(a2a.KindDiscovery, endpoint, nil, "unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return card, a2a.NewError(a2a.KindDiscovery, endpoint, err, "failed to read card")
	}
	if err := json.Unmarshal(body, &card); err != nil {
		return card, a2a.NewError(a2a.KindDiscovery, endpoint, err, "malformed card")
	}
	if err := card.Validate(); err != nil {
		return card, a2a.NewError(a2a.KindDiscovery, endpoint, err, "invalid card")
	}
	return card, nil
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, endpoint string) (a2a.AgentCard, error)

// FetchCard calls f
func (f FetcherFunc) FetchCard(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
	return f(ctx, endpoint)
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
}

func fetchKey(endpoint string) string {
	return fmt.Sprintf("card:%s", endpoint)
}
