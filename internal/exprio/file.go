// Package exprio moves expression matrices and residual statistics in and
// out of the process: Arrow IPC files and streams, and the CBOR payloads
// carried by the HTTP and Flight surfaces.
package exprio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-resvar/internal/expr"
)

// ErrClosed is returned by reads on a closed FileMatrix.
var ErrClosed = errors.New("exprio: matrix closed")

// DefaultResidentBatches is the number of decoded batches a FileMatrix keeps.
const DefaultResidentBatches = 4

// ensure interface compliance
var _ expr.IntegerRows = (*FileMatrix)(nil)
var _ expr.RealRows = (*FileMatrix)(nil)

type resident struct {
	batch int
	m     *expr.ArrowMatrix
}

// FileMatrix is an expression matrix backed by an Arrow IPC file.
// Only a few record batches are decoded at any time; reads are serialized.
type FileMatrix struct {
	mu       sync.Mutex
	f        *os.File
	r        *ipc.FileReader
	starts   []int // first gene of each batch, plus the total
	genes    []string
	cells    int
	elem     expr.ElementType
	resident []resident // most recently used last
	maxRes   int
	closed   bool
}

// FileOption configures OpenFile.
type FileOption func(*FileMatrix)

// WithResidentBatches bounds how many decoded batches stay in memory.
func WithResidentBatches(n int) FileOption {
	return func(m *FileMatrix) {
		if n > 0 {
			m.maxRes = n
		}
	}
}

// OpenFile opens an Arrow IPC file whose schema has a counts column.
// Every batch is visited once to index gene offsets and names.
func OpenFile(path string, mem memory.Allocator, opts ...FileOption) (*FileMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reading ipc file %s: %w", path, err)
	}

	m := &FileMatrix{f: f, r: r, maxRes: DefaultResidentBatches}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.index(); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("indexing %s: %w", path, err)
	}

	log.Debug().
		Str("path", path).
		Int("genes", m.starts[len(m.starts)-1]).
		Int("cells", m.cells).
		Int("batches", r.NumRecords()).
		Str("element_type", m.elem.String()).
		Msg("Opened expression matrix")
	return m, nil
}

func (m *FileMatrix) index() error {
	cells, elem, err := expr.Layout(m.r.Schema())
	if err != nil {
		return err
	}
	m.cells, m.elem = cells, elem

	n := m.r.NumRecords()
	m.starts = make([]int, 0, n+1)
	total := 0
	named := true
	for i := 0; i < n; i++ {
		rec, err := m.r.RecordAt(i)
		if err != nil {
			return err
		}
		am, err := expr.NewArrowMatrix(rec)
		rec.Release()
		if err != nil {
			return err
		}
		m.starts = append(m.starts, total)
		g, _ := am.Dims()
		total += g
		if names := am.GeneNames(); names != nil && named {
			m.genes = append(m.genes, names...)
		} else {
			named = false
		}
		am.Release()
	}
	m.starts = append(m.starts, total)
	if !named {
		m.genes = nil
	}
	return nil
}

func (m *FileMatrix) Dims() (int, int) {
	return m.starts[len(m.starts)-1], m.cells
}

func (m *FileMatrix) Type() expr.ElementType {
	return m.elem
}

// GeneNames returns the gene identifiers, or nil if any batch lacks them.
func (m *FileMatrix) GeneNames() []string {
	return m.genes
}

func (m *FileMatrix) IntegerRow(i int, dst []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	am, local, err := m.locate(i)
	if err != nil {
		return err
	}
	return am.IntegerRow(local, dst)
}

func (m *FileMatrix) RealRow(i int, dst []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	am, local, err := m.locate(i)
	if err != nil {
		return err
	}
	return am.RealRow(local, dst)
}

// locate must be called with mu held.
func (m *FileMatrix) locate(i int) (*expr.ArrowMatrix, int, error) {
	if m.closed {
		return nil, 0, ErrClosed
	}
	genes := m.starts[len(m.starts)-1]
	if i < 0 || i >= genes {
		return nil, 0, fmt.Errorf("%w: row %d of %d", expr.ErrOutOfRange, i, genes)
	}
	b := sort.Search(len(m.starts)-1, func(k int) bool { return m.starts[k+1] > i })
	local := i - m.starts[b]

	for k, res := range m.resident {
		if res.batch == b {
			if k != len(m.resident)-1 {
				m.resident = append(append(m.resident[:k:k], m.resident[k+1:]...), res)
			}
			return res.m, local, nil
		}
	}

	rec, err := m.r.RecordAt(b)
	if err != nil {
		return nil, 0, fmt.Errorf("loading batch %d: %w", b, err)
	}
	am, err := expr.NewArrowMatrix(rec)
	rec.Release()
	if err != nil {
		return nil, 0, err
	}
	if len(m.resident) >= m.maxRes {
		m.resident[0].m.Release()
		m.resident = m.resident[1:]
	}
	m.resident = append(m.resident, resident{batch: b, m: am})
	batchesLoaded.Inc()
	return am, local, nil
}

// NumBatches returns the number of record batches in the file.
func (m *FileMatrix) NumBatches() int {
	return len(m.starts) - 1
}

// Batch decodes record batch b. Callers must release it.
func (m *FileMatrix) Batch(b int) (arrow.RecordBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if b < 0 || b >= m.NumBatches() {
		return nil, fmt.Errorf("%w: batch %d of %d", expr.ErrOutOfRange, b, m.NumBatches())
	}
	return m.r.RecordAt(b)
}

// Close releases resident batches and closes the underlying file.
func (m *FileMatrix) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, res := range m.resident {
		res.m.Release()
	}
	m.resident = nil
	rerr := m.r.Close()
	ferr := m.f.Close()
	return errors.Join(rerr, ferr)
}

// WriteMatrixFile writes counts records as an Arrow IPC file.
// All records must share the first record's schema.
func WriteMatrixFile(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return fmt.Errorf("%w: no records", expr.ErrBadShape)
	}
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(recs[0].Schema()))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fw.Write(rec); err != nil {
			_ = fw.Close()
			return err
		}
	}
	return fw.Close()
}
