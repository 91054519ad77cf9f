package dist

import (
	"fmt"

	"github.com/pkg/errors"
)

// DistKind specifies how a matrix's entries are assigned to the ranks of its
// group.
type DistKind int

const (
	// ColDist deals global columns round-robin across the group; rows are
	// fully local. The layout for sample matrices: rows are features,
	// columns are samples of the mini-batch.
	ColDist DistKind = iota

	// ElemDist deals individual entries round-robin across the group.
	// Every rank stores the full dense shape but holds authoritative
	// values only for its owned entries; the rest read as zero. The
	// layout for weight and gradient tensors.
	ElemDist

	// StarDist replicates every entry on every rank. The layout for
	// statistics buffers, which are made identical on all ranks by an
	// in-place allreduce.
	StarDist
)

// String returns a human-readable distribution name.
func (d DistKind) String() string {
	switch d {
	case ColDist:
		return "ColDist"
	case ElemDist:
		return "ElemDist"
	case StarDist:
		return "StarDist"
	default:
		return "Unknown"
	}
}

// Matrix is a 2-D array of scalars partitioned across the ranks of a group.
// Local storage is column-major with a leading dimension ldim >= height, so
// entry (r, localCol) lives at data[localCol*ldim + r]. The padding rows
// between ldim and height carry no defined values.
type Matrix struct {
	dist   DistKind
	height int // global row count (features)
	width  int // global column count
	ldim   int // storage stride between adjacent local columns
	group  Group
	rank   int // world rank of the local process
	data   []float64
}

// New creates a matrix of the given distribution. ldim == 0 defaults to
// height (unpadded storage).
func New(d DistKind, height, width, ldim int, group Group, rank int) (*Matrix, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("dist: matrix dimensions must be positive, got %dx%d", height, width)
	}
	if ldim == 0 {
		ldim = height
	}
	if ldim < height {
		return nil, errors.Errorf("dist: leading dimension %d smaller than height %d", ldim, height)
	}
	if group.Size() == 0 {
		return nil, errors.Errorf("dist: matrix requires a non-empty group")
	}
	if !group.Contains(rank) {
		return nil, errors.Errorf("dist: rank %d is not a member of group %s", rank, group)
	}
	m := &Matrix{
		dist:   d,
		height: height,
		width:  width,
		ldim:   ldim,
		group:  group,
		rank:   rank,
	}
	switch d {
	case ColDist:
		m.data = make([]float64, ldim*m.LocalWidth())
	case ElemDist, StarDist:
		m.data = make([]float64, ldim*width)
	default:
		return nil, errors.Errorf("dist: unsupported matrix distribution %d", d)
	}
	return m, nil
}

// Height returns the global row count.
func (m *Matrix) Height() int { return m.height }

// Width returns the global column count.
func (m *Matrix) Width() int { return m.width }

// LDim returns the storage stride between adjacent local columns.
func (m *Matrix) LDim() int { return m.ldim }

// Group returns the communication group the matrix is partitioned over.
func (m *Matrix) Group() Group { return m.group }

// Dist returns the matrix's distribution kind.
func (m *Matrix) Dist() DistKind { return m.dist }

// LocalWidth returns the number of columns stored on this rank.
func (m *Matrix) LocalWidth() int {
	switch m.dist {
	case ColDist:
		i := m.group.Index(m.rank)
		n := m.group.Size()
		return (m.width - i + n - 1) / n
	case ElemDist, StarDist:
		return m.width
	default:
		panic(fmt.Sprintf("dist: unsupported matrix distribution %d", m.dist))
	}
}

// Data returns the local backing buffer. Callers indexing it directly must
// honor LDim.
func (m *Matrix) Data() []float64 { return m.data }

// Owner returns the world rank responsible for entry (row, col). For
// StarDist matrices every rank holds the entry and the local rank is
// returned.
func (m *Matrix) Owner(row, col int) int {
	m.boundsCheck(row, col)
	switch m.dist {
	case ColDist:
		return m.group.Ranks()[col%m.group.Size()]
	case ElemDist:
		return m.group.Ranks()[(row+col*m.height)%m.group.Size()]
	case StarDist:
		return m.rank
	default:
		panic(fmt.Sprintf("dist: unsupported matrix distribution %d", m.dist))
	}
}

// IsLocal reports whether entry (row, col) is owned by this rank.
func (m *Matrix) IsLocal(row, col int) bool {
	return m.Owner(row, col) == m.rank
}

// LocalCol maps a global column index to the local storage column.
// For ColDist it is only meaningful when the column is owned by this rank.
func (m *Matrix) LocalCol(col int) int {
	switch m.dist {
	case ColDist:
		return col / m.group.Size()
	case ElemDist, StarDist:
		return col
	default:
		panic(fmt.Sprintf("dist: unsupported matrix distribution %d", m.dist))
	}
}

// GlobalCol maps a local storage column back to its global index.
func (m *Matrix) GlobalCol(localCol int) int {
	switch m.dist {
	case ColDist:
		return localCol*m.group.Size() + m.group.Index(m.rank)
	case ElemDist, StarDist:
		return localCol
	default:
		panic(fmt.Sprintf("dist: unsupported matrix distribution %d", m.dist))
	}
}

// Get returns the value of entry (row, col) if this rank owns it, and 0 as a
// placeholder otherwise. Only the owner's value is meaningful.
func (m *Matrix) Get(row, col int) float64 {
	if !m.IsLocal(row, col) {
		return 0
	}
	return m.data[m.LocalCol(col)*m.ldim+row]
}

// Set stores v into entry (row, col) on the owning rank; on every other rank
// it is a no-op. Set is safe to call collectively with the same arguments on
// all ranks.
func (m *Matrix) Set(v float64, row, col int) {
	if !m.IsLocal(row, col) {
		return
	}
	m.data[m.LocalCol(col)*m.ldim+row] = v
}

// GetLocal reads entry (row, localCol) of the local buffer.
func (m *Matrix) GetLocal(row, localCol int) float64 {
	return m.data[localCol*m.ldim+row]
}

// SetLocal writes entry (row, localCol) of the local buffer.
func (m *Matrix) SetLocal(v float64, row, localCol int) {
	m.data[localCol*m.ldim+row] = v
}

// Zero clears the local buffer, padding included.
func (m *Matrix) Zero() {
	clear(m.data)
}

// Clone returns a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	out := *m
	out.data = make([]float64, len(m.data))
	copy(out.data, m.data)
	return &out
}

// FullInto assembles the complete dense matrix on every rank of the group.
// dst is column-major with stride height and must have height*width
// capacity; it is allocated when nil. Only ElemDist and StarDist matrices
// support assembly.
//
// For ElemDist this is a collective: non-owned entries are stored as zero,
// so a sum-reduction of the local buffers yields the true matrix everywhere.
func (m *Matrix) FullInto(c Communicator, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, m.height*m.width)
	}
	if len(dst) < m.height*m.width {
		panic(fmt.Sprintf("dist: assembly buffer too small: %d < %d", len(dst), m.height*m.width))
	}
	switch m.dist {
	case StarDist, ElemDist:
		for col := 0; col < m.width; col++ {
			copy(dst[col*m.height:(col+1)*m.height], m.data[col*m.ldim:col*m.ldim+m.height])
		}
	default:
		panic(fmt.Sprintf("dist: cannot assemble a %s matrix", m.dist))
	}
	if m.dist == ElemDist {
		c.AllreduceSum(m.group, dst[:m.height*m.width])
	}
	return dst
}

// SetOwned fills the matrix from a dense column-major buffer with stride
// height, keeping only the entries owned by this rank and zeroing the rest.
// Only meaningful for ElemDist matrices.
func (m *Matrix) SetOwned(dense []float64) {
	if m.dist != ElemDist {
		panic(fmt.Sprintf("dist: SetOwned requires ElemDist, got %s", m.dist))
	}
	for col := 0; col < m.width; col++ {
		for row := 0; row < m.height; row++ {
			v := 0.0
			if m.IsLocal(row, col) {
				v = dense[col*m.height+row]
			}
			m.data[col*m.ldim+row] = v
		}
	}
}

func (m *Matrix) boundsCheck(row, col int) {
	if row < 0 || row >= m.height || col < 0 || col >= m.width {
		panic(fmt.Sprintf("dist: entry (%d,%d) out of range for %dx%d matrix", row, col, m.height, m.width))
	}
}
