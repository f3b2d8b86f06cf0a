// Package gateway implements the Command Gateway: the seam where the (out
// of scope) HTTP layer meets the core.
package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/lithair/lithair/internal/apply"
	"github.com/lithair/lithair/internal/lerrors"
	"github.com/lithair/lithair/internal/raft"
	"github.com/lithair/lithair/internal/state"
)

// Outcome is the result of Submit.
type Outcome struct {
	Accepted bool
	Index    uint64
	Term     uint64
	Redirect string // leader address, if known and not accepted
}

// Gateway is the command-submission and query entry point driving one
// node's raft.Node and state.Engine.
type Gateway struct {
	node                  *raft.Node
	engine                *state.Engine
	commandQueueHighWater int
	inFlight              chan struct{} // bounded; backpressure source
}

func New(node *raft.Node, engine *state.Engine, commandQueueHighWatermark int) *Gateway {
	return &Gateway{
		node:                  node,
		engine:                engine,
		commandQueueHighWater: commandQueueHighWatermark,
		inFlight:              make(chan struct{}, commandQueueHighWatermark),
	}
}

// Submit encodes and submits a create/update/delete command. Only the
// leader accepts; a follower returns its NotLeader error with Redirect set to
// the leader's address, or to "unknown" when none is known.
func (g *Gateway) Submit(kind apply.Kind, op interface{}) (Outcome, error) {
	select {
	case g.inFlight <- struct{}{}:
	default:
		return Outcome{}, lerrors.New(lerrors.Overloaded, "command queue high watermark exceeded")
	}
	defer func() { <-g.inFlight }()

	payload, err := apply.Encode(kind, op)
	if err != nil {
		return Outcome{}, lerrors.Wrap(lerrors.Validation, "encode command", err)
	}

	index, term, err := g.node.Submit(payload)
	if err != nil {
		if classified, ok := err.(*lerrors.Error); ok && classified.Kind == lerrors.NotLeader {
			return Outcome{Redirect: classified.Detail}, err
		}
		return Outcome{}, err
	}
	return Outcome{Accepted: true, Index: index, Term: term}, nil
}

// WaitCommitted blocks until index commits and applies, or times out.
func (g *Gateway) WaitCommitted(index uint64, timeout time.Duration) error {
	return g.node.WaitCommitted(index, timeout)
}

// Project reads every current materialized record of model; it takes no
// filter (Get and IndexLookup serve key and index reads).
func (g *Gateway) Project(model string) []*state.Record {
	return g.engine.Scan(model)
}

// Get reads a single record by primary key.
func (g *Gateway) Get(model, key string) (*state.Record, bool) {
	return g.engine.Get(model, key)
}

// IndexLookup returns the primary keys matching value in a named secondary
// index.
func (g *Gateway) IndexLookup(model, index, value string) []string {
	return g.engine.IndexLookup(model, index, value)
}

// Status reports node role, term, commit/applied index, and peer health.
func (g *Gateway) Status() raft.Status {
	return g.node.Status()
}

// NewCorrelationID mints a correlation id for a submitted command, so
// external callers can trace a command end to end.
func NewCorrelationID() string {
	return uuid.NewString()
}
