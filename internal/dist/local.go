package dist

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// LocalWorld implements the collective layer for ranks that run as
// goroutines inside one OS process. It exists for tests, single-node
// training and the CLI demo; a multi-node deployment would substitute an
// MPI-style transport behind the same Communicator interface.
type LocalWorld struct {
	size int

	mu      sync.Mutex
	pending map[string]*reduction
}

// reduction tracks one in-flight collective for one group.
type reduction struct {
	remaining int
	bufs      [][]float64
	done      chan struct{}
}

// NewLocalWorld creates a world with the given number of ranks.
func NewLocalWorld(size int) *LocalWorld {
	if size < 1 {
		panic(fmt.Sprintf("dist: world size must be positive, got %d", size))
	}
	return &LocalWorld{
		size:    size,
		pending: make(map[string]*reduction),
	}
}

// Size returns the number of ranks in the world.
func (w *LocalWorld) Size() int { return w.size }

// Comm returns the communicator endpoint for one rank. Each rank's
// goroutine must use its own endpoint.
func (w *LocalWorld) Comm(rank int) Communicator {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("dist: rank %d out of range for world size %d", rank, w.size))
	}
	return &localComm{world: w, rank: rank}
}

type localComm struct {
	world *LocalWorld
	rank  int
}

func (c *localComm) Rank() int { return c.rank }

func (c *localComm) Size() int { return c.world.size }

func (c *localComm) IsCoordinator() bool { return c.rank == 0 }

// AllreduceSum blocks until every rank of group has contributed, then every
// participant's buf holds the elementwise sum. Calls on the same group are
// matched in program order; a rank cannot start the next reduction before
// its previous one completed, so a simple per-group slot suffices.
func (c *localComm) AllreduceSum(group Group, buf []float64) {
	if !group.Contains(c.rank) {
		panic(fmt.Sprintf("dist: rank %d called allreduce on group %s it does not belong to", c.rank, group))
	}
	if group.Size() == 1 {
		return
	}
	klog.V(2).Infof("allreduce: rank=%d group=%s len=%d", c.rank, group, len(buf))

	w := c.world
	key := group.String()

	w.mu.Lock()
	r, ok := w.pending[key]
	if !ok {
		r = &reduction{
			remaining: group.Size(),
			done:      make(chan struct{}),
		}
		w.pending[key] = r
	}
	if len(r.bufs) > 0 && len(r.bufs[0]) != len(buf) {
		w.mu.Unlock()
		panic(fmt.Sprintf("dist: allreduce buffer length mismatch in group %s: %d vs %d",
			group, len(r.bufs[0]), len(buf)))
	}
	r.bufs = append(r.bufs, buf)
	r.remaining--
	if r.remaining == 0 {
		// Last arrival reduces into the first buffer, then fans the
		// result out to every participant.
		sum := r.bufs[0]
		for _, b := range r.bufs[1:] {
			for i, v := range b {
				sum[i] += v
			}
		}
		for _, b := range r.bufs[1:] {
			copy(b, sum)
		}
		delete(w.pending, key)
		w.mu.Unlock()
		close(r.done)
		return
	}
	w.mu.Unlock()
	<-r.done
}
