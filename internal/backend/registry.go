package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind distinguishes recognition backends from synthesis backends.
type Kind string

const (
	KindRecognition Kind = "recognition"
	KindSynthesis   Kind = "synthesis"
)

var (
	ErrDuplicateBackend  = errors.New("backend already registered")
	ErrInvalidDescriptor = errors.New("invalid backend descriptor")
)

// Prober is implemented by backends that can report whether they are usable
// (credentials present, model file on disk, binary on PATH).
type Prober interface {
	Available() bool
}

// Descriptor identifies one recognition or synthesis implementation.
type Descriptor struct {
	Name      string
	Kind      Kind
	Priority  int
	Languages []string
	Probe     func() bool
	Backend   any

	seq     int
	breaker *gobreaker.CircuitBreaker
}

// Supports reports whether the descriptor declares the language. An empty
// language list means every language; tags are compared on their primary subtag.
func (d Descriptor) Supports(language string) bool {
	if len(d.Languages) == 0 || language == "" {
		return true
	}
	want := PrimaryLanguage(language)
	for _, l := range d.Languages {
		if strings.EqualFold(PrimaryLanguage(l), want) {
			return true
		}
	}
	return false
}

// IsAvailable runs the capability check and consults the circuit breaker.
func (d Descriptor) IsAvailable() bool {
	if d.breaker != nil && d.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if d.Probe != nil {
		return d.Probe()
	}
	if p, ok := d.Backend.(Prober); ok {
		return p.Available()
	}
	return true
}

// BreakerState exposes the breaker position for reporting.
func (d Descriptor) BreakerState() string {
	if d.breaker == nil {
		return "disabled"
	}
	return d.breaker.State().String()
}

// Info is the reporting view of a descriptor.
type Info struct {
	Name      string   `json:"name"`
	Kind      Kind     `json:"kind"`
	Priority  int      `json:"priority"`
	Languages []string `json:"languages,omitempty"`
	Available bool     `json:"available"`
	Breaker   string   `json:"breaker"`
}

func (d Descriptor) Info() Info {
	return Info{
		Name:      d.Name,
		Kind:      d.Kind,
		Priority:  d.Priority,
		Languages: append([]string(nil), d.Languages...),
		Available: d.IsAvailable(),
		Breaker:   d.BreakerState(),
	}
}

// PrimaryLanguage reduces "en-US" or "en_GB" to "en".
func PrimaryLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// BreakerSettings configures the per-backend circuit breakers. A zero
// FailureThreshold disables breakers.
type BreakerSettings struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// Registry holds the backend descriptors registered at startup.
type Registry struct {
	log      *slog.Logger
	breakers BreakerSettings

	mu      sync.RWMutex
	entries map[string]*Descriptor
	next    int

	meter metric.Meter
}

func NewRegistry(log *slog.Logger, breakers BreakerSettings) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:      log.With(slog.String("component", "backend-registry")),
		breakers: breakers,
		entries:  make(map[string]*Descriptor),
		meter:    otel.Meter("github.com/loqalabs/loqa-voice/backend"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Register adds a backend. Names are unique across kinds.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if d.Kind != KindRecognition && d.Kind != KindSynthesis {
		return fmt.Errorf("%w: unknown kind %q for %s", ErrInvalidDescriptor, d.Kind, d.Name)
	}
	if d.Backend == nil {
		return fmt.Errorf("%w: %s has no implementation", ErrInvalidDescriptor, d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, d.Name)
	}
	d.Languages = append([]string(nil), d.Languages...)
	d.seq = r.next
	r.next++
	if r.breakers.FailureThreshold > 0 {
		d.breaker = r.newBreaker(d.Name)
	}
	r.entries[d.Name] = &d
	r.log.Info("backend registered",
		slog.String("backend", d.Name),
		slog.String("kind", string(d.Kind)),
		slog.Int("priority", d.Priority))
	return nil
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := uint32(r.breakers.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.breakers.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("backend breaker state changed",
				slog.String("backend", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// ListAvailable returns descriptors of kind that are available and support
// language, ordered by ascending priority. Ties keep registration order.
func (r *Registry) ListAvailable(kind Kind, language string) []Descriptor {
	return r.query(func(d Descriptor) bool {
		return d.Kind == kind && d.Supports(language) && d.IsAvailable()
	})
}

// PreferFirst moves the descriptor named preferred to the front, keeping the
// rest in order. Candidates are returned unchanged when preferred is empty
// or absent.
func PreferFirst(candidates []Descriptor, preferred string) []Descriptor {
	if preferred == "" {
		return candidates
	}
	idx := slices.IndexFunc(candidates, func(d Descriptor) bool { return d.Name == preferred })
	if idx <= 0 {
		return candidates
	}
	ordered := make([]Descriptor, 0, len(candidates))
	ordered = append(ordered, candidates[idx])
	ordered = append(ordered, candidates[:idx]...)
	return append(ordered, candidates[idx+1:]...)
}

// List returns every descriptor of kind regardless of availability.
func (r *Registry) List(kind Kind) []Descriptor {
	return r.query(func(d Descriptor) bool { return d.Kind == kind })
}

// Lookup finds a descriptor by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

func (r *Registry) query(filter func(Descriptor) bool) []Descriptor {
	r.mu.RLock()
	var results []Descriptor
	for _, d := range r.entries {
		if filter == nil || filter(*d) {
			results = append(results, *d)
		}
	}
	r.mu.RUnlock()

	slices.SortStableFunc(results, func(a, b Descriptor) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.seq - b.seq
	})
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.backends.available", metric.WithDescription("Backends currently available per kind"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, kind := range []Kind{KindRecognition, KindSynthesis} {
			n := len(r.ListAvailable(kind, ""))
			obs.ObserveInt64(gauge, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
		}
		return nil
	}, gauge)
	return err
}
