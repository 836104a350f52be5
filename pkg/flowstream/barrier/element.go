// Package barrier implements per-task barrier alignment.
//
// Every input channel of a task carries a stream of Elements: records,
// checkpoint barriers, and a final end-of-partition marker. The Aligner
// tracks one explicit state per channel and decides, element by element,
// whether to hand a record to the task, hold it back, or record it as
// in-flight channel state, and when the task must snapshot.
package barrier

import (
	"fmt"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
)

// ElementKind tags the variant held by an Element.
type ElementKind int

const (
	KindRecord ElementKind = iota
	KindBarrier
	KindEndOfPartition
)

func (k ElementKind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindBarrier:
		return "barrier"
	case KindEndOfPartition:
		return "end_of_partition"
	default:
		return "unknown"
	}
}

// Element is one item on an input channel. Exactly one of Value or Barrier
// is meaningful, as selected by Kind.
type Element[T any] struct {
	Kind    ElementKind
	Value   T
	Barrier checkpoint.Barrier
}

// Record wraps a data record.
func Record[T any](v T) Element[T] {
	return Element[T]{Kind: KindRecord, Value: v}
}

// Barrier wraps a checkpoint barrier.
func Barrier[T any](b checkpoint.Barrier) Element[T] {
	return Element[T]{Kind: KindBarrier, Barrier: b}
}

// EndOfPartition marks that a channel will deliver nothing more.
func EndOfPartition[T any]() Element[T] {
	return Element[T]{Kind: KindEndOfPartition}
}

func (e Element[T]) String() string {
	switch e.Kind {
	case KindRecord:
		return fmt.Sprintf("record(%v)", e.Value)
	case KindBarrier:
		return e.Barrier.String()
	default:
		return e.Kind.String()
	}
}

// InflightRecord is a record captured as channel state by an unaligned
// checkpoint. Restored tasks replay these before reading new input.
type InflightRecord[T any] struct {
	Channel int `json:"channel"`
	Value   T   `json:"value"`
}
