package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/retail-a2a/host/internal/orchestrator"
	"github.com/retail-a2a/host/internal/server"
	"github.com/retail-a2a/host/internal/sse"
	"github.com/retail-a2a/host/pkg/a2a"
)

// hostClient talks to a running host over its JSON API
type hostClient struct {
	base string
	http *http.Client
}

func newHostClient(base string) *hostClient {
	return &hostClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{},
	}
}

func (c *hostClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("host unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("host returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *hostClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Query sends one query and waits for the merged response
func (c *hostClient) Query(ctx context.Context, q server.QueryRequest) (*a2a.AggregatedResponse, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp a2a.AggregatedResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream sends one query over server-sent events, calling progress for every
// update before the final response
func (c *hostClient) Stream(ctx context.Context, q server.QueryRequest, progress func(orchestrator.Update)) (*a2a.AggregatedResponse, error) {
	params := url.Values{}
	params.Set("q", q.Query)
	if q.ContextID != "" {
		params.Set("context_id", q.ContextID)
	}
	if q.TimeoutMS > 0 {
		params.Set("timeout_ms", strconv.FormatInt(q.TimeoutMS, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/query/stream?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("host returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	reader := sse.NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("stream ended without a response")
			}
			return nil, err
		}
		var u orchestrator.Update
		if err := json.Unmarshal(frame.Data, &u); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		switch u.Kind {
		case orchestrator.UpdateResponse:
			return u.Response, nil
		case orchestrator.UpdateError:
			if u.Error != nil {
				return nil, fmt.Errorf("query rejected: %s", u.Error.Message)
			}
			return nil, fmt.Errorf("query rejected")
		default:
			if progress != nil {
				progress(u)
			}
		}
	}
}

// Agents lists the registered specialists
func (c *hostClient) Agents(ctx context.Context) (server.AgentsResponse, error) {
	var resp server.AgentsResponse
	err := c.get(ctx, "/api/agents", &resp)
	return resp, err
}

// Status probes every specialist through the host
func (c *hostClient) Status(ctx context.Context) (server.StatusResponse, error) {
	var resp server.StatusResponse
	err := c.get(ctx, "/api/status", &resp)
	return resp, err
}
