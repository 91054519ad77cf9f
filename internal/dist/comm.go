// Package dist provides the process-parallel layer for Skein: process
// groups, blocking collective reductions, and matrices whose entries are
// partitioned across the ranks of a group.
//
// The communicator is deliberately small. Kernels only ever need a blocking
// sum-reduction over a group plus rank identity; everything else (transport,
// wire format, failure handling) belongs to the implementation behind the
// interface.
package dist

import (
	"fmt"
	"sort"
)

// Group identifies the set of world ranks that jointly hold column slices of
// the same logical rows and must combine their partial sums. Ranks are kept
// in ascending order.
//
// Every rank in a group must enter each collective at the same point of the
// program; mismatched membership across ranks is a fatal configuration fault,
// not a recoverable error.
type Group struct {
	ranks []int
}

// NewGroup creates a group from the given world ranks. Duplicates panic.
func NewGroup(ranks []int) Group {
	rs := make([]int, len(ranks))
	copy(rs, ranks)
	sort.Ints(rs)
	for i := 1; i < len(rs); i++ {
		if rs[i] == rs[i-1] {
			panic(fmt.Sprintf("dist: duplicate rank %d in group", rs[i]))
		}
	}
	return Group{ranks: rs}
}

// WorldGroup returns the group containing every rank of a size-rank world.
func WorldGroup(size int) Group {
	rs := make([]int, size)
	for i := range rs {
		rs[i] = i
	}
	return Group{ranks: rs}
}

// Size returns the number of ranks in the group.
func (g Group) Size() int { return len(g.ranks) }

// Ranks returns the member ranks in ascending order. The caller must not
// mutate the returned slice.
func (g Group) Ranks() []int { return g.ranks }

// Contains reports whether rank is a member of the group.
func (g Group) Contains(rank int) bool {
	return g.Index(rank) >= 0
}

// Index returns the position of rank within the group, or -1.
func (g Group) Index(rank int) int {
	i := sort.SearchInts(g.ranks, rank)
	if i < len(g.ranks) && g.ranks[i] == rank {
		return i
	}
	return -1
}

// Equal reports whether two groups have identical membership.
func (g Group) Equal(o Group) bool {
	if len(g.ranks) != len(o.ranks) {
		return false
	}
	for i, r := range g.ranks {
		if o.ranks[i] != r {
			return false
		}
	}
	return true
}

// String renders the group for diagnostics and collective matching.
func (g Group) String() string {
	return fmt.Sprintf("%v", g.ranks)
}

// Communicator is the process-parallel collaborator of the numeric kernels.
//
// AllreduceSum is a synchronous collective: every rank in group must call it
// at a matching point, and the call blocks until all members have
// contributed. There is no cancellation or timeout; a reduction that never
// returns is a hang, not a recoverable error.
type Communicator interface {
	// Rank returns the world rank of the calling process.
	Rank() int

	// Size returns the number of ranks in the world.
	Size() int

	// AllreduceSum sums buf elementwise across every rank of group and
	// stores the result back into buf on every participant.
	AllreduceSum(group Group, buf []float64)

	// IsCoordinator reports whether this rank is the single process
	// permitted to print diagnostics.
	IsCoordinator() bool
}
