package cache

import (
	"context"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// Flags are per-node conditions surfaced to the user as warnings.
type Flags struct {
	TextTruncated          bool
	ImageLimitExceeded     bool
	UnsupportedAttachments bool
	PredecessorFetchFailed bool
}

// Any reports whether any flag is set.
func (f Flags) Any() bool {
	return f.TextTruncated || f.ImageLimitExceeded || f.UnsupportedAttachments || f.PredecessorFetchFailed
}

// Merge returns the union of both flag sets.
func (f Flags) Merge(o Flags) Flags {
	return Flags{
		TextTruncated:          f.TextTruncated || o.TextTruncated,
		ImageLimitExceeded:     f.ImageLimitExceeded || o.ImageLimitExceeded,
		UnsupportedAttachments: f.UnsupportedAttachments || o.UnsupportedAttachments,
		PredecessorFetchFailed: f.PredecessorFetchFailed || o.PredecessorFetchFailed,
	}
}

// Entry is the computed state of a node.
type Entry struct {
	Turn        models.Turn
	Predecessor models.MessageID
	Flags       Flags
}

// ComputeFunc derives a node's entry. It runs with the node's guard held.
type ComputeFunc func(ctx context.Context) (Entry, error)

// Node is the cached conversational record of one message.
//
// All fields except ID are protected by the guard, a single-slot channel so
// that waiting for it can be abandoned through a context.
type Node struct {
	ID models.MessageID

	guard    chan struct{}
	computed bool
	entry    Entry
}

func newNode(id models.MessageID) *Node {
	return &Node{ID: id, guard: make(chan struct{}, 1)}
}

// Acquire blocks until the guard is held or ctx is done.
func (n *Node) Acquire(ctx context.Context) error {
	select {
	case n.guard <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the guard only if it is free.
func (n *Node) TryAcquire() bool {
	select {
	case n.guard <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the guard. Releasing a free guard is a no-op.
func (n *Node) Release() {
	select {
	case <-n.guard:
	default:
	}
}

// Computed reports whether the entry has been populated. Guard must be held.
func (n *Node) Computed() bool { return n.computed }

// Entry returns the node's entry. Guard must be held.
func (n *Node) Entry() Entry { return n.entry }

// Set populates the entry and marks the node computed. Guard must be held.
func (n *Node) Set(e Entry) {
	n.entry = e
	n.computed = true
}

// AddFlags merges flags into the entry. Guard must be held.
func (n *Node) AddFlags(f Flags) {
	n.entry.Flags = n.entry.Flags.Merge(f)
}

// Resolve returns the node's entry, computing it first if needed. compute
// runs at most once successfully per node; concurrent callers wait on the
// guard and observe the first result. A failed compute leaves the node
// unpopulated so a later caller may retry.
func (n *Node) Resolve(ctx context.Context, compute ComputeFunc) (Entry, error) {
	if err := n.Acquire(ctx); err != nil {
		return Entry{}, err
	}
	defer n.Release()

	if !n.computed {
		e, err := compute(ctx)
		if err != nil {
			return Entry{}, err
		}
		n.Set(e)
	}
	return n.entry, nil
}

// MarkFlags acquires the guard and merges flags into the entry.
func (n *Node) MarkFlags(ctx context.Context, f Flags) error {
	if err := n.Acquire(ctx); err != nil {
		return err
	}
	n.AddFlags(f)
	n.Release()
	return nil
}
