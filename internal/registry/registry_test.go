package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/retail-a2a/host/internal/specialisttest"
	"github.com/retail-a2a/host/pkg/a2a"
)

func TestRegistry_Register(t *testing.T) {
	agent := specialisttest.New(t, "Inventory Agent")
	registry := New(Options{})
	defer registry.Close()

	card, err := registry.Register(context.Background(), agent.URL())
	if err != nil {
		t.Fatalf("Failed to register agent: %v", err)
	}
	if card.Name != "Inventory Agent" {
		t.Errorf("Expected name Inventory Agent, got %s", card.Name)
	}

	found, ok := registry.Get("Inventory Agent")
	if !ok {
		t.Fatal("Expected agent to be registered")
	}
	if found.Endpoint != agent.URL() {
		t.Errorf("Expected endpoint %s, got %s", agent.URL(), found.Endpoint)
	}
	if found.URL() != agent.URL()+"/" {
		t.Errorf("Expected card url to be used for dispatch, got %s", found.URL())
	}
}

func TestRegistry_RegisterTrailingSlash(t *testing.T) {
	agent := specialisttest.New(t, "Inventory Agent")
	registry := New(Options{})
	defer registry.Close()

	if _, err := registry.Register(context.Background(), agent.URL()+"/"); err != nil {
		t.Fatalf("Failed to register agent: %v", err)
	}
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to re-register agent: %v", err)
	}
	if n := len(registry.ListAgents()); n != 1 {
		t.Errorf("Expected 1 agent, got %d", n)
	}
}

func TestRegistry_DiscoveryErrors(t *testing.T) {
	registry := New(Options{FetchTimeout: time.Second})
	defer registry.Close()

	down := specialisttest.New(t, "Down")
	down.SetCardAvailable(false)

	noSkills := specialisttest.New(t, "Empty")
	card := noSkills.Card()
	card.Skills = nil
	noSkills.SetCard(card)

	gone := specialisttest.New(t, "Gone")
	goneURL := gone.URL()
	gone.Close()

	for _, endpoint := range []string{down.URL(), noSkills.URL(), goneURL, ""} {
		_, err := registry.Register(context.Background(), endpoint)
		if !errors.Is(err, &a2a.Error{Kind: a2a.KindDiscovery}) {
			t.Errorf("%q: expected discovery error, got %v", endpoint, err)
		}
	}
	if n := len(registry.ListAgents()); n != 0 {
		t.Errorf("Expected no agents after failed discovery, got %d", n)
	}
}

func TestRegistry_ListAgentsRegistrationOrder(t *testing.T) {
	registry := New(Options{})
	defer registry.Close()

	names := []string{"Charlie", "Alpha", "Bravo"}
	for _, name := range names {
		agent := specialisttest.New(t, name)
		if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
	}

	agents := registry.ListAgents()
	if len(agents) != 3 {
		t.Fatalf("Expected 3 agents, got %d", len(agents))
	}
	for i, a := range agents {
		if a.Name != names[i] {
			t.Errorf("position %d: expected %s, got %s", i, names[i], a.Name)
		}
		if a.Order != i {
			t.Errorf("%s: expected order %d, got %d", a.Name, i, a.Order)
		}
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	agent := specialisttest.New(t, "Inventory", specialisttest.WithSkills(a2a.AgentSkill{ID: "stock", Name: "Stock", Tags: []string{"stock"}}))
	registry := New(Options{})
	defer registry.Close()
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	listed := registry.ListAgents()
	listed[0].Card.Skills[0].Tags[0] = "mutated"

	again, _ := registry.Get("Inventory")
	if again.Card.Skills[0].Tags[0] != "stock" {
		t.Errorf("Expected registry card to be immutable, got tag %s", again.Card.Skills[0].Tags[0])
	}
}

func TestRegistry_SingleFlight(t *testing.T) {
	var fetches int32
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return a2a.AgentCard{Name: "Inventory", URL: endpoint, Skills: []a2a.AgentSkill{{ID: "stock"}}}, nil
	})
	registry := New(Options{Fetcher: fetcher})
	defer registry.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Register(context.Background(), "http://inventory:8001")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Register failed: %v", err)
		}
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("Expected concurrent registrations to share one fetch, got %d", got)
	}
}

func TestRegistry_StaleCardServedAndRefreshed(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	registry := New(Options{FreshnessWindow: time.Minute, MinRefreshGap: time.Millisecond, Now: clock})
	defer registry.Close()

	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	updated := agent.Card()
	updated.Description = "now with returns"
	agent.SetCard(updated)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	agents := registry.ListAgents()
	if agents[0].Card.Description == "now with returns" {
		t.Error("Expected the stale card to be returned optimistically")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a, _ := registry.Get("Inventory"); a.Card.Description == "now with returns" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected background refresh to pick up the new card")
}

func TestRegistry_RefreshFailureKeepsCard(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	registry := New(Options{})
	defer registry.Close()
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	agent.SetCardAvailable(false)
	if _, err := registry.Refresh(context.Background(), "Inventory"); err == nil {
		t.Error("Expected refresh error")
	}
	if _, ok := registry.Get("Inventory"); !ok {
		t.Error("Expected cached card to survive a failed refresh")
	}
	if _, err := registry.Refresh(context.Background(), "Unknown"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestRegistry_ReportFailureTriggersRefresh(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	registry := New(Options{FailureThreshold: 2, MinRefreshGap: time.Millisecond})
	defer registry.Close()
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	before := agent.CardFetches()

	registry.ReportFailure("Inventory")
	time.Sleep(20 * time.Millisecond)
	if agent.CardFetches() != before {
		t.Error("Expected no refresh below the failure threshold")
	}

	registry.ReportFailure("Inventory")
	deadline := time.Now().Add(2 * time.Second)
	for agent.CardFetches() == before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if agent.CardFetches() == before {
		t.Error("Expected refresh after reaching the failure threshold")
	}

	registry.ReportSuccess("Inventory")
	if a, _ := registry.Get("Inventory"); a.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure streak reset, got %d", a.ConsecutiveFailures)
	}
}

func TestRegistry_AsyncRefreshThrottled(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	registry := New(Options{FailureThreshold: 1, MinRefreshGap: time.Hour})
	defer registry.Close()
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	before := agent.CardFetches()

	for i := 0; i < 5; i++ {
		registry.ReportFailure("Inventory")
	}
	time.Sleep(100 * time.Millisecond)
	if got := agent.CardFetches() - before; got != 1 {
		t.Errorf("Expected exactly one throttled refresh, got %d", got)
	}
}

func TestRegistry_LatencyMovingAverage(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	registry := New(Options{})
	defer registry.Close()
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	for i := 0; i < 5; i++ {
		registry.RecordLatency("Inventory", time.Second)
	}
	for i := 0; i < 10; i++ {
		registry.RecordLatency("Inventory", 100*time.Millisecond)
	}

	a, _ := registry.Get("Inventory")
	if a.LatencySamples != 10 {
		t.Errorf("Expected window of 10 samples, got %d", a.LatencySamples)
	}
	if a.AvgLatency != 100*time.Millisecond {
		t.Errorf("Expected only the last 10 samples averaged, got %s", a.AvgLatency)
	}
}

func TestRegistry_OnUpdateAndHealth(t *testing.T) {
	up := specialisttest.New(t, "Inventory", specialisttest.WithStreaming(true))
	down := specialisttest.New(t, "Customer Service")
	registry := New(Options{})
	defer registry.Close()

	var mu sync.Mutex
	var updates []string
	registry.OnUpdate(func(a Agent) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, a.Name)
	})

	for _, a := range []*specialisttest.Agent{up, down} {
		if _, err := registry.Register(context.Background(), a.URL()); err != nil {
			t.Fatalf("Failed to register: %v", err)
		}
	}
	down.SetCardAvailable(false)

	health := registry.Health(context.Background())
	if len(health) != 2 {
		t.Fatalf("Expected 2 health entries, got %d", len(health))
	}
	if !health[0].Online || !health[0].Streaming {
		t.Errorf("Expected Inventory online with streaming, got %+v", health[0])
	}
	if health[1].Online || health[1].Error == "" {
		t.Errorf("Expected Customer Service offline with error, got %+v", health[1])
	}

	mu.Lock()
	defer mu.Unlock()
	// unchanged cards do not re-notify
	if len(updates) != 2 || updates[0] != "Inventory" || updates[1] != "Customer Service" {
		t.Errorf("Unexpected update notifications: %v", updates)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	registry := New(Options{})
	defer registry.Close()
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if err := registry.Unregister("Inventory"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if err := registry.Unregister("Inventory"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
	if len(registry.ListAgents()) != 0 {
		t.Error("Expected empty registry")
	}
}

func TestRegistry_BackgroundLoopStopsOnClose(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	registry := New(Options{RefreshInterval: 10 * time.Millisecond})
	if _, err := registry.Register(context.Background(), agent.URL()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	registry.Close()
	after := agent.CardFetches()
	if after < 2 {
		t.Errorf("Expected periodic refreshes, got %d fetches", after)
	}

	time.Sleep(40 * time.Millisecond)
	if agent.CardFetches() != after {
		t.Error("Expected no fetches after Close")
	}
	registry.Close()
}

func TestRegistry_TrackRetriesUntilAgentRecovers(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	agent.SetCardAvailable(false)
	registry := New(Options{RefreshInterval: 20 * time.Millisecond, MinRefreshGap: time.Millisecond})
	defer registry.Close()

	if _, err := registry.Track(context.Background(), agent.URL()); err == nil {
		t.Fatal("Expected discovery error while the card is unavailable")
	}
	if len(registry.ListAgents()) != 0 {
		t.Error("Expected no registered agents yet")
	}
	if pending := registry.Pending(); len(pending) != 1 || pending[0] != agent.URL() {
		t.Errorf("Expected %s pending, got %v", agent.URL(), pending)
	}

	health := registry.Health(context.Background())
	if len(health) != 1 {
		t.Fatalf("Expected the pending endpoint in health, got %d entries", len(health))
	}
	if health[0].Online || health[0].Error == "" || health[0].Endpoint != agent.URL() {
		t.Errorf("Expected pending endpoint offline with error, got %+v", health[0])
	}

	agent.SetCardAvailable(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("Inventory"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := registry.Get("Inventory"); !ok {
		t.Fatal("Expected the agent to be registered once its card came back")
	}
	if pending := registry.Pending(); len(pending) != 0 {
		t.Errorf("Expected nothing pending, got %v", pending)
	}
	health = registry.Health(context.Background())
	if len(health) != 1 || !health[0].Online || health[0].Name != "Inventory" {
		t.Errorf("Expected Inventory online, got %+v", health)
	}
}

func TestRegistry_HealthDiscoversPendingEndpoint(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	agent.SetCardAvailable(false)
	registry := New(Options{})
	defer registry.Close()

	if _, err := registry.Track(context.Background(), agent.URL()); err == nil {
		t.Fatal("Expected discovery error while the card is unavailable")
	}
	agent.SetCardAvailable(true)

	health := registry.Health(context.Background())
	if len(health) != 1 || !health[0].Online || health[0].Name != "Inventory" {
		t.Errorf("Expected Inventory online after probing, got %+v", health)
	}
	if _, ok := registry.Get("Inventory"); !ok {
		t.Error("Expected Health to register the recovered agent")
	}
}

func TestRegistry_RegisterDoesNotTrack(t *testing.T) {
	agent := specialisttest.New(t, "Inventory")
	agent.SetCardAvailable(false)
	registry := New(Options{})
	defer registry.Close()

	if _, err := registry.Register(context.Background(), agent.URL()); err == nil {
		t.Fatal("Expected discovery error")
	}
	if pending := registry.Pending(); len(pending) != 0 {
		t.Errorf("Expected Register to forget failed endpoints, got %v", pending)
	}
}

func TestRegistry_RefreshAfterUnregisterIsDiscarded(t *testing.T) {
	var blocking atomic.Bool
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) (a2a.AgentCard, error) {
		if blocking.Load() {
			started <- struct{}{}
			<-release
		}
		return a2a.AgentCard{Name: "Inventory", URL: endpoint, Skills: []a2a.AgentSkill{{ID: "stock"}}}, nil
	})
	registry := New(Options{Fetcher: fetcher})
	defer registry.Close()

	if _, err := registry.Register(context.Background(), "http://inventory:8001"); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	blocking.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := registry.Refresh(context.Background(), "Inventory")
		done <- err
	}()
	<-started
	if err := registry.Unregister("Inventory"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
	if _, ok := registry.Get("Inventory"); ok {
		t.Error("Expected the unregistered agent to stay removed")
	}
}
