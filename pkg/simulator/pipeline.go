package simulator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transform component ids, mirroring the log pipeline's topology.
const (
	TransformAccepted = "acceptedDecisions"
	TransformShaped   = "shapedDecisions"
	TransformFiltered = "filteredInvalidEvents"
)

// DecisionEvent is one decision log entry emitted for a data query.
type DecisionEvent struct {
	DecisionID string      `json:"decision_id"`
	Path       string      `json:"path"`
	Input      interface{} `json:"input,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Status     int         `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
}

// TransformStatus is one transform's shipped-event count. Seen stays false
// until the transform handles its first event; the aggregator reports a
// null counter for unseen transforms.
type TransformStatus struct {
	Name string
	Sent int64
	Seen bool
}

// Pipeline ships decision events through the transform chain: valid events
// are accepted and shaped for downstream consumers, malformed ones are
// diverted to the invalid-events branch and never shipped.
type Pipeline struct {
	events chan DecisionEvent
	hub    *EventHub

	mu   sync.RWMutex
	sent map[string]int64

	order []string
}

// NewPipeline creates a pipeline that hands shaped events to hub. A nil
// hub disables the live tail.
func NewPipeline(hub *EventHub) *Pipeline {
	return &Pipeline{
		events: make(chan DecisionEvent, 256),
		hub:    hub,
		sent:   make(map[string]int64),
		order:  []string{TransformAccepted, TransformShaped, TransformFiltered},
	}
}

// Emit queues one event for shipping. Events are dropped when the queue is
// full rather than blocking a query response.
func (p *Pipeline) Emit(event DecisionEvent) {
	select {
	case p.events <- event:
	default:
		log.Warn().Str("decision_id", event.DecisionID).Msg("event queue full, dropping decision event")
	}
}

// Run consumes queued events until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("decision pipeline stopped")
			return
		case event := <-p.events:
			p.process(event)
		}
	}
}

func (p *Pipeline) process(event DecisionEvent) {
	if !validEvent(event) {
		p.count(TransformFiltered, 1)
		log.Warn().
			Str("decision_id", event.DecisionID).
			Str("path", event.Path).
			Msg("dropped malformed decision event")
		return
	}

	p.count(TransformAccepted, 1)

	shaped := shapeEvent(event)
	p.count(TransformShaped, 1)

	if p.hub != nil {
		p.hub.BroadcastDecision(shaped)
	}

	log.Debug().
		Str("decision_id", shaped.DecisionID).
		Str("path", shaped.Path).
		Msg("decision event shipped")
}

// Snapshot reports the shipped-event counts in pipeline order.
func (p *Pipeline) Snapshot() []TransformStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]TransformStatus, 0, len(p.order))
	for _, name := range p.order {
		sent, seen := p.sent[name]
		statuses = append(statuses, TransformStatus{Name: name, Sent: sent, Seen: seen})
	}
	return statuses
}

func (p *Pipeline) count(name string, n int64) {
	p.mu.Lock()
	p.sent[name] += n
	p.mu.Unlock()
}

func validEvent(event DecisionEvent) bool {
	return event.DecisionID != "" && !event.Timestamp.IsZero()
}

// shapeEvent normalizes an event for downstream consumers.
func shapeEvent(event DecisionEvent) DecisionEvent {
	event.Timestamp = event.Timestamp.UTC()
	event.Path = strings.Trim(event.Path, "/")
	return event
}
