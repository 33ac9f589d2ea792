// Package registry caches the agent cards of the specialists the host can dispatch to.
package registry

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/retail-a2a/host/pkg/a2a"
)

// latencyWindow is the number of completed tasks averaged per agent.
const latencyWindow = 10

// ErrAgentNotFound is returned for names that were never registered
var ErrAgentNotFound = errors.New("agent not found")

// Agent is a snapshot of one registered specialist. Callers own the copy.
type Agent struct {
	Name     string
	Endpoint string
	Card     a2a.AgentCard
	// Order is the registration position; it never changes once assigned.
	Order     int
	FetchedAt time.Time
	// AvgLatency is zero until at least one task has completed.
	AvgLatency          time.Duration
	LatencySamples      int
	ConsecutiveFailures int
}

// URL returns the dispatch endpoint advertised by the card, falling back to the base endpoint.
func (a Agent) URL() string {
	if a.Card.URL != "" {
		return a.Card.URL
	}
	return a.Endpoint
}

// AgentHealth reports whether an agent answered discovery just now
type AgentHealth struct {
	Name        string    `json:"name"`
	Endpoint    string    `json:"endpoint"`
	Online      bool      `json:"online"`
	Error       string    `json:"error,omitempty"`
	Skills      []string  `json:"skills,omitempty"`
	Streaming   bool      `json:"streaming"`
	AvgLatency  string    `json:"avg_latency,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Options tunes the registry; zero values take the defaults noted per field
type Options struct {
	// FreshnessWindow after which a card is served stale and refreshed in the background (5m).
	FreshnessWindow time.Duration
	// RefreshInterval of the background loop; zero disables it.
	RefreshInterval time.Duration
	// FailureThreshold consecutive dispatch failures trigger a refresh (3).
	FailureThreshold int
	// FetchTimeout bounds one discovery request (5s).
	FetchTimeout time.Duration
	// MinRefreshGap throttles asynchronous refreshes per agent (5s).
	MinRefreshGap time.Duration
	Fetcher       Fetcher
	Now           func() time.Time
}

func (o *Options) applyDefaults() {
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 5 * time.Minute
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.MinRefreshGap <= 0 {
		o.MinRefreshGap = 5 * time.Second
	}
	if o.Fetcher == nil {
		o.Fetcher = NewHTTPFetcher(nil)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type entry struct {
	agent   Agent
	samples []time.Duration
	limiter *rate.Limiter
}

// pendingEntry is a tracked endpoint whose card has not been fetched yet.
type pendingEntry struct {
	endpoint string
	limiter  *rate.Limiter
}

// Registry manages registered agents
type Registry struct {
	opts Options

	mu         sync.RWMutex
	agents     map[string]*entry
	byEndpoint map[string]string
	order      []string
	nextOrder  int
	pending    map[string]*pendingEntry
	pendingSeq []string
	hooks      []func(Agent)
	closed     bool

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a registry and starts its background refresh loop when configured
func New(opts Options) *Registry {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:       opts,
		agents:     make(map[string]*entry),
		byEndpoint: make(map[string]string),
		pending:    make(map[string]*pendingEntry),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.RefreshInterval > 0 {
		r.wg.Add(1)
		go r.refreshLoop(opts.RefreshInterval)
	}
	return r
}

// Close stops the background loop and waits for in-flight async refreshes
func (r *Registry) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
		r.wg.Wait()
	})
}

// OnUpdate registers a hook called when a registration or refresh changes an agent
func (r *Registry) OnUpdate(fn func(Agent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Register fetches the card published at endpoint and adds (or replaces) the agent
func (r *Registry) Register(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
	endpoint = normalizeEndpoint(endpoint)
	if endpoint == "" {
		return a2a.AgentCard{}, a2a.NewError(a2a.KindDiscovery, "", nil, "empty endpoint")
	}
	agent, err := r.fetch(ctx, endpoint, "")
	if err != nil {
		return a2a.AgentCard{}, err
	}
	return agent.Card, nil
}

// Track registers endpoint like Register, but a failed discovery keeps the
// endpoint on record: it is retried in the background and by Health, and
// reported offline until its card can be fetched.
func (r *Registry) Track(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
	card, err := r.Register(ctx, endpoint)
	if err != nil {
		if endpoint = normalizeEndpoint(endpoint); endpoint != "" {
			r.markPending(endpoint)
		}
		return a2a.AgentCard{}, err
	}
	return card, nil
}

func (r *Registry) markPending(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEndpoint[endpoint]; ok {
		return
	}
	if _, ok := r.pending[endpoint]; ok {
		return
	}
	r.pending[endpoint] = &pendingEntry{
		endpoint: endpoint,
		limiter:  rate.NewLimiter(rate.Every(r.opts.MinRefreshGap), 1),
	}
	r.pendingSeq = append(r.pendingSeq, endpoint)
	log.Printf("[registry] tracking %s until its card can be fetched", endpoint)
}

// clearPendingLocked forgets endpoint once its card is stored.
func (r *Registry) clearPendingLocked(endpoint string) {
	if _, ok := r.pending[endpoint]; !ok {
		return
	}
	delete(r.pending, endpoint)
	for i, ep := range r.pendingSeq {
		if ep == endpoint {
			r.pendingSeq = append(r.pendingSeq[:i], r.pendingSeq[i+1:]...)
			break
		}
	}
}

// Pending returns the tracked endpoints still waiting for discovery, in tracking order
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.pendingSeq...)
}

// retryPending tries discovery of one pending endpoint; the card is stored on success.
func (r *Registry) retryPending(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
	agent, err := r.fetch(ctx, endpoint, "")
	if err != nil {
		return a2a.AgentCard{}, err
	}
	return agent.Card, nil
}

// retryPendingAsync retries every pending endpoint in the background, at most once per MinRefreshGap each.
func (r *Registry) retryPendingAsync() {
	r.mu.Lock()
	var due []string
	if !r.closed {
		for _, ep := range r.pendingSeq {
			if r.pending[ep].limiter.Allow() {
				due = append(due, ep)
			}
		}
		r.wg.Add(len(due))
	}
	r.mu.Unlock()

	for _, ep := range due {
		ep := ep
		go func() {
			defer r.wg.Done()
			if _, err := r.retryPending(r.ctx, ep); err == nil {
				log.Printf("[registry] pending specialist at %s is now available", ep)
			}
		}()
	}
}

// Refresh re-fetches the card of a registered agent. On failure the cached card is kept.
func (r *Registry) Refresh(ctx context.Context, name string) (a2a.AgentCard, error) {
	r.mu.RLock()
	e, ok := r.agents[name]
	var endpoint string
	if ok {
		endpoint = e.agent.Endpoint
	}
	r.mu.RUnlock()
	if !ok {
		return a2a.AgentCard{}, a2a.NewError(a2a.KindDiscovery, name, ErrAgentNotFound, "cannot refresh")
	}
	agent, err := r.fetch(ctx, endpoint, name)
	if err != nil {
		return a2a.AgentCard{}, err
	}
	return agent.Card, nil
}

// fetch collapses concurrent discoveries of one endpoint into a single request.
// The shared request is detached from the caller so one canceled caller does not fail the rest.
// A refresh names the agent it refreshes and is discarded if that agent was unregistered meanwhile.
func (r *Registry) fetch(ctx context.Context, endpoint, refreshOf string) (Agent, error) {
	key := fetchKey(endpoint)
	if refreshOf != "" {
		key = "refresh:" + key
	}
	ch := r.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FetchTimeout)
		defer cancel()
		card, err := r.opts.Fetcher.FetchCard(fctx, endpoint)
		if err != nil {
			var typed *a2a.Error
			if !errors.As(err, &typed) {
				err = a2a.NewError(a2a.KindDiscovery, endpoint, err, "discovery failed")
			}
			return Agent{}, err
		}
		agent, ok := r.store(endpoint, card, refreshOf)
		if !ok {
			return Agent{}, a2a.NewError(a2a.KindDiscovery, refreshOf, ErrAgentNotFound, "unregistered during refresh")
		}
		return agent, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Agent{}, res.Err
		}
		return res.Val.(Agent), nil
	case <-ctx.Done():
		return Agent{}, a2a.NewError(a2a.KindDiscovery, endpoint, ctx.Err(), "discovery abandoned")
	}
}

func (r *Registry) store(endpoint string, card a2a.AgentCard, refreshOf string) (Agent, bool) {
	r.mu.Lock()
	if refreshOf != "" {
		if e, ok := r.agents[refreshOf]; !ok || e.agent.Endpoint != endpoint {
			r.mu.Unlock()
			return Agent{}, false
		}
	}
	r.clearPendingLocked(endpoint)
	name := card.Name
	// An endpoint that now reports a different name replaces its old entry.
	if old, ok := r.byEndpoint[endpoint]; ok && old != name {
		r.removeLocked(old)
	}
	e, ok := r.agents[name]
	if !ok {
		e = &entry{
			agent:   Agent{Name: name, Order: r.nextOrder},
			limiter: rate.NewLimiter(rate.Every(r.opts.MinRefreshGap), 1),
		}
		r.nextOrder++
		r.agents[name] = e
		r.order = append(r.order, name)
	} else if e.agent.Endpoint != endpoint {
		delete(r.byEndpoint, e.agent.Endpoint)
	}
	changed := !ok || e.agent.Endpoint != endpoint || !reflect.DeepEqual(e.agent.Card, card)
	e.agent.Endpoint = endpoint
	e.agent.Card = card.Clone()
	e.agent.FetchedAt = r.opts.Now()
	r.byEndpoint[endpoint] = name

	snapshot := r.snapshotLocked(e)
	var hooks []func(Agent)
	if changed {
		hooks = append(hooks, r.hooks...)
	}
	r.mu.Unlock()

	if changed {
		log.Printf("[registry] registered %s at %s (%d skills)", name, endpoint, len(card.Skills))
	}
	for _, fn := range hooks {
		fn(snapshot)
	}
	return snapshot, true
}

// Unregister removes an agent
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return ErrAgentNotFound
	}
	r.removeLocked(name)
	return nil
}

func (r *Registry) removeLocked(name string) {
	e, ok := r.agents[name]
	if !ok {
		return
	}
	delete(r.byEndpoint, e.agent.Endpoint)
	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of one agent
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return Agent{}, false
	}
	return r.snapshotLocked(e), true
}

// ListAgents returns every agent in registration order. Cards older than the
// freshness window are returned as they are and refreshed in the background.
func (r *Registry) ListAgents() []Agent {
	now := r.opts.Now()
	r.mu.RLock()
	agents := make([]Agent, 0, len(r.order))
	var stale []string
	for _, name := range r.order {
		e := r.agents[name]
		agents = append(agents, r.snapshotLocked(e))
		if now.Sub(e.agent.FetchedAt) > r.opts.FreshnessWindow {
			stale = append(stale, name)
		}
	}
	r.mu.RUnlock()

	for _, name := range stale {
		r.refreshAsync(name)
	}
	r.retryPendingAsync()
	return agents
}

func (r *Registry) snapshotLocked(e *entry) Agent {
	a := e.agent
	a.Card = e.agent.Card.Clone()
	a.LatencySamples = len(e.samples)
	if n := len(e.samples); n > 0 {
		var total time.Duration
		for _, s := range e.samples {
			total += s
		}
		a.AvgLatency = total / time.Duration(n)
	}
	return a
}

// RecordLatency adds one completed-task duration to the agent's moving average
func (r *Registry) RecordLatency(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[name]
	if !ok {
		return
	}
	e.samples = append(e.samples, d)
	if len(e.samples) > latencyWindow {
		e.samples = e.samples[len(e.samples)-latencyWindow:]
	}
}

// ReportSuccess resets the agent's failure streak
func (r *Registry) ReportSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[name]; ok {
		e.agent.ConsecutiveFailures = 0
	}
}

// ReportFailure counts a dispatch failure; reaching the threshold schedules a card refresh
func (r *Registry) ReportFailure(name string) {
	r.mu.Lock()
	e, ok := r.agents[name]
	trigger := false
	if ok {
		e.agent.ConsecutiveFailures++
		trigger = e.agent.ConsecutiveFailures >= r.opts.FailureThreshold
	}
	r.mu.Unlock()

	if trigger {
		log.Printf("[registry] %s failed %d times in a row, refreshing card", name, r.opts.FailureThreshold)
		r.refreshAsync(name)
	}
}

// refreshAsync refreshes one agent in the background, at most once per MinRefreshGap.
func (r *Registry) refreshAsync(name string) {
	r.mu.Lock()
	e, ok := r.agents[name]
	allowed := ok && !r.closed && e.limiter.Allow()
	if allowed {
		r.wg.Add(1)
	}
	r.mu.Unlock()
	if !allowed {
		return
	}

	go func() {
		defer r.wg.Done()
		if _, err := r.Refresh(r.ctx, name); err != nil {
			log.Printf("[registry] background refresh of %s failed: %v", name, err)
		}
	}()
}

func (r *Registry) refreshLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, a := range r.ListAgents() {
				if _, err := r.Refresh(r.ctx, a.Name); err != nil && r.ctx.Err() == nil {
					log.Printf("[registry] periodic refresh of %s failed: %v", a.Name, err)
				}
			}
			for _, ep := range r.Pending() {
				if _, err := r.retryPending(r.ctx, ep); err == nil {
					log.Printf("[registry] pending specialist at %s is now available", ep)
				}
			}
		}
	}
}

// Health probes every agent's discovery endpoint concurrently. Pending
// endpoints are probed too and listed after the registered agents, named by
// their endpoint until their card is known.
func (r *Registry) Health(ctx context.Context) []AgentHealth {
	r.mu.RLock()
	agents := make([]Agent, 0, len(r.order))
	for _, name := range r.order {
		agents = append(agents, r.snapshotLocked(r.agents[name]))
	}
	pending := append([]string(nil), r.pendingSeq...)
	r.mu.RUnlock()

	results := make([]AgentHealth, len(agents)+len(pending))

	var g errgroup.Group
	for i, a := range agents {
		i, a := i, a
		g.Go(func() error {
			h := AgentHealth{
				Name:      a.Name,
				Endpoint:  a.Endpoint,
				Streaming: a.Card.SupportsStreaming(),
			}
			if a.LatencySamples > 0 {
				h.AvgLatency = a.AvgLatency.String()
			}
			card, err := r.Refresh(ctx, a.Name)
			h.LastChecked = r.opts.Now()
			if err != nil {
				h.Error = err.Error()
			} else {
				h.Online = true
				h.Streaming = card.SupportsStreaming()
				for _, s := range card.Skills {
					h.Skills = append(h.Skills, s.ID)
				}
			}
			results[i] = h
			return nil
		})
	}
	for i, ep := range pending {
		i, ep := i, ep
		g.Go(func() error {
			h := AgentHealth{Name: ep, Endpoint: ep}
			card, err := r.retryPending(ctx, ep)
			h.LastChecked = r.opts.Now()
			if err != nil {
				h.Error = err.Error()
			} else {
				h.Name = card.Name
				h.Online = true
				h.Streaming = card.SupportsStreaming()
				for _, s := range card.Skills {
					h.Skills = append(h.Skills, s.ID)
				}
			}
			results[len(agents)+i] = h
			return nil
		})
	}
	_ = g.Wait()
	return results
}
