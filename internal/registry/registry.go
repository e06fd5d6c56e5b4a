// Package registry implements the protocol/provider catalog: registration,
// health-aware selection, and dispatch through a provider handle that
// abstracts in-process calls from hub-mediated remote ones.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/policy"
	"github.com/leifmarkthaler/gleitzeit/internal/resilience"
)

// MethodSpec describes one operation a protocol exposes.
type MethodSpec struct {
	Name        string
	Description string
}

// ProtocolSpec is a named, versioned set of methods providers may implement.
type ProtocolSpec struct {
	ID      string
	Version string
	Methods map[string]MethodSpec
}

// Health is a provider's current standing, fed by the circuit breaker and
// any explicit heartbeats.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Handle is the uniform dispatch surface for a provider, whatever its
// transport. Local in-process, HTTP and hub-mediated providers all
// implement the same two methods so the engine never branches on
// transport kind.
type Handle interface {
	// Invoke synchronously dispatches method with params, honoring ctx's
	// deadline/cancellation.
	Invoke(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error)
	// Kind names the transport, for logging/metrics attribution only.
	Kind() string
}

type providerEntry struct {
	id         string
	protocolID string
	handle     Handle
	methods    map[string]bool
	tags       map[string]bool
	capacities map[string]bool
	capacity   int
	load       int
	health     Health
	lastHeartbeat time.Time
	breaker    *resilience.CircuitBreaker
	rrCounter  int
}

// Record is the read-only snapshot of a provider returned to operators via
// list_providers.
type Record struct {
	ProviderID       string
	ProtocolID       string
	SupportedMethods []string
	Health           Health
	LastHealthCheck  time.Time
	CurrentLoad      int
	Capacity         int
	Tags             []string
}

// Registry is the protocol/provider catalog.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]ProtocolSpec
	providers map[string]*providerEntry
	policy    *policy.Engine

	healthGauge metric.Float64Gauge
}

// New constructs an empty Registry. meter is used to publish per-provider
// health gauges (gleitzeit_provider_health_score).
func New(meter metric.Meter) *Registry {
	gauge, _ := meter.Float64Gauge("gleitzeit_provider_health_score")
	return &Registry{
		protocols:   make(map[string]ProtocolSpec),
		providers:   make(map[string]*providerEntry),
		healthGauge: gauge,
	}
}

// SetPolicy attaches a requirement-policy engine. Once set, SelectProvider
// runs every tag-matching candidate through pol.Allow before choosing among
// them; a nil policy (the default) leaves selection governed by tags alone.
func (r *Registry) SetPolicy(pol *policy.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = pol
}

// RegisterProtocol adds a protocol specification.
func (r *Registry) RegisterProtocol(spec ProtocolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.protocols[spec.ID]; exists {
		return errkind.New(errkind.KindValidation, "protocol already exists: "+spec.ID)
	}
	r.protocols[spec.ID] = spec
	return nil
}

// RegisterProvider adds a provider implementing protocolID. supportedMethods
// must be a subset of the protocol's declared methods.
func (r *Registry) RegisterProvider(providerID, protocolID string, handle Handle, supportedMethods []string, capacity int, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proto, ok := r.protocols[protocolID]
	if !ok {
		return errkind.New(errkind.KindProtocolNotFound, protocolID)
	}
	if _, exists := r.providers[providerID]; exists {
		return errkind.New(errkind.KindValidation, "provider already exists: "+providerID)
	}
	methodSet := make(map[string]bool, len(supportedMethods))
	for _, m := range supportedMethods {
		if _, ok := proto.Methods[m]; !ok {
			return errkind.New(errkind.KindMethodNotSupported, m)
		}
		methodSet[m] = true
	}
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	if capacity < 1 {
		capacity = 1
	}
	r.providers[providerID] = &providerEntry{
		id:         providerID,
		protocolID: protocolID,
		handle:     handle,
		methods:    methodSet,
		tags:       tagSet,
		capacity:   capacity,
		health:     HealthUnknown,
		breaker:    resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
	return nil
}

// UnregisterProvider removes a provider from the catalog.
func (r *Registry) UnregisterProvider(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, providerID)
}

// Requirements narrows provider selection beyond protocol/method: tags that
// must all be present on a candidate provider.
type Requirements struct {
	Tags []string
}

// SelectProvider picks one provider implementing protocolID/method and
// satisfying requirements. Tie-break order: healthy before degraded, then
// lowest load/capacity ratio, then round-robin among the remainder. When a
// requirement policy is attached via SetPolicy, each tag-matching candidate
// is additionally gated by the policy's allow decision.
func (r *Registry) SelectProvider(ctx context.Context, protocolID, method string, reqs Requirements) (string, Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*providerEntry
	for _, p := range r.providers {
		if p.protocolID != protocolID || !p.methods[method] {
			continue
		}
		if p.breaker.State() == resilience.StateOpen {
			continue
		}
		if !hasAllTags(p.tags, reqs.Tags) {
			continue
		}
		if r.policy != nil {
			allowed, err := r.policy.Allow(ctx, map[string]interface{}{
				"protocol":     protocolID,
				"method":       method,
				"provider_id":  p.id,
				"tags":         tagsSlice(p.tags),
				"requirements": reqs.Tags,
			})
			if err != nil || !allowed {
				continue
			}
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return "", nil, errkind.New(errkind.KindProviderUnavailable, "no provider available for "+protocolID+"/"+method)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		hi, hj := healthRank(candidates[i].health), healthRank(candidates[j].health)
		if hi != hj {
			return hi < hj
		}
		li := float64(candidates[i].load) / float64(candidates[i].capacity)
		lj := float64(candidates[j].load) / float64(candidates[j].capacity)
		return li < lj
	})

	best := candidates[0]
	bestLoad := float64(best.load) / float64(best.capacity)
	var tied []*providerEntry
	for _, c := range candidates {
		if healthRank(c.health) == healthRank(best.health) && float64(c.load)/float64(c.capacity) == bestLoad {
			tied = append(tied, c)
		} else {
			break
		}
	}
	chosen := best
	if len(tied) > 1 {
		best.rrCounter++
		chosen = tied[best.rrCounter%len(tied)]
	}
	chosen.load++
	return chosen.id, chosen.handle, nil
}

// Invoke dispatches through handle, honoring deadline via ctx.
func (r *Registry) Invoke(ctx context.Context, handle Handle, method string, params map[string]interface{}) (map[string]interface{}, error) {
	return handle.Invoke(ctx, method, params)
}

// RecordSuccess feeds a successful invocation back into the health
// estimator and releases the load slot taken by SelectProvider.
func (r *Registry) RecordSuccess(providerID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok {
		return
	}
	p.breaker.RecordResult(true)
	p.load = decr(p.load)
	p.lastHeartbeat = time.Now()
	r.refreshHealth(p)
}

// RecordFailure feeds a failed invocation into the health estimator.
func (r *Registry) RecordFailure(providerID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[providerID]
	if !ok {
		return
	}
	p.breaker.RecordResult(false)
	p.load = decr(p.load)
	r.refreshHealth(p)
}

// refreshHealth recomputes a provider's Health from its breaker state and
// health score, and stamps lastHeartbeat; must be called with r.mu held.
func (r *Registry) refreshHealth(p *providerEntry) {
	switch p.breaker.State() {
	case resilience.StateOpen:
		p.health = HealthUnhealthy
	case resilience.StateHalfOpen:
		p.health = HealthDegraded
	default:
		if p.breaker.HealthScore() < 0.8 {
			p.health = HealthDegraded
		} else {
			p.health = HealthHealthy
		}
	}
	p.lastHeartbeat = time.Now()
	if r.healthGauge != nil {
		r.healthGauge.Record(context.Background(), p.breaker.HealthScore())
	}
}

// ListProviders returns a point-in-time snapshot of every registered
// provider, for the operator API's list_providers call.
func (r *Registry) ListProviders() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.providers))
	for _, p := range r.providers {
		methods := make([]string, 0, len(p.methods))
		for m := range p.methods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		tags := make([]string, 0, len(p.tags))
		for t := range p.tags {
			tags = append(tags, t)
		}
		sort.Strings(tags)
		out = append(out, Record{
			ProviderID:       p.id,
			ProtocolID:       p.protocolID,
			SupportedMethods: methods,
			Health:           p.health,
			LastHealthCheck:  p.lastHeartbeat,
			CurrentLoad:      p.load,
			Capacity:         p.capacity,
			Tags:             tags,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func healthRank(h Health) int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthUnknown:
		return 1
	case HealthDegraded:
		return 2
	default:
		return 3
	}
}

func tagsSlice(tags map[string]bool) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func hasAllTags(have map[string]bool, want []string) bool {
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

func decr(n int) int {
	if n <= 0 {
		return 0
	}
	return n - 1
}
