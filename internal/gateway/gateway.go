// Package gateway defines the typed query/mutate/subscribe contract the
// client sync core speaks against the hosted backend. The gateway itself
// performs no caching and no retries; those live in the caches, the
// optimistic engine and the event router.
package gateway

import (
	"context"

	"social/internal/models"
)

// Op compares a record field against a value in a Filter clause.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
)

type Clause struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of clauses. A nil Filter matches everything.
type Filter []Clause

func Eq(field string, value any) Filter  { return Filter{{Field: field, Op: OpEq, Value: value}} }
func Neq(field string, value any) Filter { return Filter{{Field: field, Op: OpNeq, Value: value}} }
func In(field string, values any) Filter { return Filter{{Field: field, Op: OpIn, Value: values}} }

// And appends clauses to the filter.
func (f Filter) And(more Filter) Filter { return append(append(Filter{}, f...), more...) }

type Ordering struct {
	Field string
	Desc  bool
}

// Query describes one read: which table, which rows, in what order, how
// many, and whether to expand relations (author profiles) and derived
// counts in the same call.
type Query struct {
	Kind     models.Kind
	Filter   Filter
	Order    *Ordering
	Limit    int
	Expand   bool   // preload relations and derived counts
	ViewerID string // for per-viewer derived flags (Post.Liked, unread)
}

type MutationOp string

const (
	OpInsert MutationOp = "insert"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// Mutation describes one write. Record carries the payload; for updates
// and deletes its id selects the row. ActorID is the identity the backend
// enforces row-level authorization against.
type Mutation struct {
	Kind    models.Kind
	Op      MutationOp
	Record  models.Entity
	ActorID string
}

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one change delivered on a subscription stream. Delivery is
// at-least-once and ordered per stream, not globally across tables.
type Event struct {
	Kind   EventKind
	Entity models.Entity
}

// Subscription is a cancellable change stream for one (table, filter)
// pair. Events() closes after Cancel or on stream failure; in the
// failure case Err() reports why, so the consumer can resubscribe.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Cancel()
}

// Gateway is the remote data surface. All calls may fail with the error
// taxonomy in errors.go; callers own retry and rollback policy.
type Gateway interface {
	Query(ctx context.Context, q Query) ([]models.Entity, error)
	Count(ctx context.Context, q Query) (int64, error)
	Mutate(ctx context.Context, m Mutation) (models.Entity, error)
	Subscribe(ctx context.Context, kind models.Kind, f Filter) (Subscription, error)
}

// Uploader is the object storage surface: store a blob under a path and
// get back a publicly resolvable reference.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}
