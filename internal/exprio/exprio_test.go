package exprio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-resvar/internal/cache"
	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/lmfit"
	"github.com/23skdu/longbow-resvar/internal/resstats"
	"github.com/23skdu/longbow-resvar/internal/transform"
)

// writeBatches writes one integer batch per chunk of rows to a temp file.
func writeBatches(t *testing.T, mem memory.Allocator, cells int, chunks ...[]int32) string {
	t.Helper()
	var recs []arrow.RecordBatch
	gene := 0
	for _, data := range chunks {
		n := len(data) / cells
		names := make([]string, n)
		for i := range names {
			names[i] = "g" + string(rune('a'+gene))
			gene++
		}
		rec, err := expr.IntegerRecord(mem, names, cells, data)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	path := filepath.Join(t.TempDir(), "counts.arrow")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteMatrixFile(f, recs...))
	require.NoError(t, f.Close())
	return path
}

func TestFileMatrix(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	path := writeBatches(t, mem, 3,
		[]int32{1, 2, 3, 4, 5, 6},
		[]int32{7, 8, 9},
		[]int32{10, 11, 12, 13, 14, 15},
	)

	m, err := OpenFile(path, mem, WithResidentBatches(1))
	require.NoError(t, err)
	defer m.Close()

	genes, cells := m.Dims()
	assert.Equal(t, 5, genes)
	assert.Equal(t, 3, cells)
	assert.Equal(t, expr.Integer, m.Type())
	assert.Equal(t, []string{"ga", "gb", "gc", "gd", "ge"}, m.GeneNames())

	row := make([]int32, 3)
	// Out of order to force batch eviction and reload.
	for _, tc := range []struct {
		i    int
		want []int32
	}{
		{4, []int32{13, 14, 15}},
		{0, []int32{1, 2, 3}},
		{2, []int32{7, 8, 9}},
		{3, []int32{10, 11, 12}},
		{1, []int32{4, 5, 6}},
	} {
		require.NoError(t, m.IntegerRow(tc.i, row))
		assert.Equal(t, tc.want, row, "row %d", tc.i)
	}

	assert.ErrorIs(t, m.IntegerRow(5, row), expr.ErrOutOfRange)
	assert.ErrorIs(t, m.RealRow(0, make([]float64, 3)), expr.ErrUnsupportedType)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.IntegerRow(0, row), ErrClosed)
	assert.NoError(t, m.Close())
}

func TestFileMatrix_Compute(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	path := writeBatches(t, mem, 4,
		[]int32{1, 2, 3, 4},
		[]int32{10, 10, 10, 10},
	)
	m, err := OpenFile(path, mem)
	require.NoError(t, err)
	defer m.Close()

	fit, err := lmfit.Decompose(lmfit.Intercept(4))
	require.NoError(t, err)

	res, err := resstats.Compute(m, fit, transform.Identity{}, resstats.WithWorkers(2))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2.5, 10}, res.Means, 1e-12)
	assert.InDeltaSlice(t, []float64{5.0 / 3.0, 0}, res.Variances, 1e-12)
}

func TestFileMatrix_ComputeWorkers(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	const genesPerBatch, cells = 3, 5
	var chunks [][]int32
	for b := 0; b < 6; b++ {
		chunk := make([]int32, genesPerBatch*cells)
		for i := range chunk {
			chunk[i] = int32((b*31 + i*7) % 13)
		}
		chunks = append(chunks, chunk)
	}
	path := writeBatches(t, mem, cells, chunks...)

	fit, err := lmfit.Decompose(lmfit.Intercept(cells))
	require.NoError(t, err)

	compute := func(workers int) *resstats.Result {
		// One resident batch forces reloads while workers race across batches.
		m, err := OpenFile(path, mem, WithResidentBatches(1))
		require.NoError(t, err)
		defer m.Close()
		res, err := resstats.Compute(m, fit, transform.Identity{}, resstats.WithWorkers(workers))
		require.NoError(t, err)
		return res
	}

	serial := compute(1)
	parallel := compute(8)
	assert.Len(t, serial.Means, 6*genesPerBatch)
	assert.Equal(t, serial.Means, parallel.Means)
	assert.Equal(t, serial.Variances, parallel.Variances)
}

func TestFileMatrix_Errors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.arrow"), memory.NewGoAllocator())
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.arrow")
	require.NoError(t, os.WriteFile(bad, []byte("not arrow"), 0o644))
	_, err = OpenFile(bad, memory.NewGoAllocator())
	assert.Error(t, err)

	assert.ErrorIs(t, WriteMatrixFile(&bytes.Buffer{}), expr.ErrBadShape)
}

func TestResultRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	res := &resstats.Result{Means: []float64{1, 2}, Variances: []float64{0.5, 0}}
	rec, err := ResultRecord(mem, []string{"a", "b"}, res)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, MeanColumn, rec.ColumnName(1))

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, rec))

	r, err := ipc.NewReader(&buf, ipc.WithAllocator(mem))
	require.NoError(t, err)
	defer r.Release()
	require.True(t, r.Next())
	genes, got, err := ResultFromRecord(r.Record())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, genes)
	assert.Equal(t, res, got)
	assert.False(t, r.Next())

	_, err = ResultRecord(mem, []string{"a"}, res)
	assert.ErrorIs(t, err, expr.ErrBadShape)
}

func TestMatrixPayload(t *testing.T) {
	t.Run("Integer", func(t *testing.T) {
		p := MatrixPayload{Rows: 2, Cols: 2, Ints: []int32{1, 2, 3, 4}}
		m, err := p.Matrix()
		require.NoError(t, err)
		assert.Equal(t, expr.Integer, m.Type())
	})

	t.Run("Real", func(t *testing.T) {
		p := MatrixPayload{Rows: 1, Cols: 2, Reals: []float64{1.5, 2}}
		m, err := p.Matrix()
		require.NoError(t, err)
		assert.Equal(t, expr.Real, m.Type())
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, p := range []MatrixPayload{
			{Rows: 1, Cols: 1, Ints: []int32{1}, Reals: []float64{1}},
			{Rows: 2, Cols: 2, Reals: []float64{1}},
			{Rows: 1, Cols: 2, Ints: []int32{1}},
			{Rows: 1, Cols: 1, Ints: []int32{1}, Genes: []string{"a", "b"}},
		} {
			_, err := p.Matrix()
			assert.Error(t, err, "%+v", p)
		}
	})

	t.Run("Overflowing shape", func(t *testing.T) {
		// rows*cols wraps to zero and would match the empty slices.
		rows := math.MaxInt/2 + 1
		for _, p := range []MatrixPayload{
			{Rows: rows, Cols: 4, Ints: []int32{}},
			{Rows: rows, Cols: 4, Reals: []float64{}},
		} {
			_, err := p.Matrix()
			assert.ErrorIs(t, err, expr.ErrBadShape)
		}
	})
}

func TestFitPayload(t *testing.T) {
	// y = intercept + slope*x over four cells
	design := []float64{1, 0, 1, 1, 1, 2, 1, 3}
	byDesign := FitPayload{Cells: 4, Coefs: 2, Design: design}
	fit, err := byDesign.Fit()
	require.NoError(t, err)
	assert.Equal(t, 4, fit.NCells())
	assert.Equal(t, 2, fit.NCoefs())

	intercept := FitPayload{Cells: 4}
	fit, err = intercept.Fit()
	require.NoError(t, err)
	assert.Equal(t, 1, fit.NCoefs())

	// dgeqrf of a two-cell intercept design, column-major.
	s := math.Sqrt2
	compact := FitPayload{Cells: 2, Coefs: 1, QR: []float64{-s, 1 / (1 + s)}, QRAux: []float64{1 + 1/s}}
	fit, err = compact.Fit()
	require.NoError(t, err)
	v := []float64{3, 5}
	require.NoError(t, fit.Multiply(v))
	assert.InDelta(t, 2.0, v[1]*v[1], 1e-12)

	_, err = (&FitPayload{Cells: 4, Coefs: 2, Design: design[:6]}).Fit()
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = (&FitPayload{Cells: 4, Coefs: 2}).Fit()
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = (&FitPayload{Cells: 2, Coefs: 1, QR: []float64{1, 2}, QRAux: []float64{1, 2}}).Fit()
	assert.ErrorIs(t, err, lmfit.ErrInvalidArgument)

	// Cells*Coefs wraps to zero.
	huge := math.MaxInt/2 + 1
	_, err = (&FitPayload{Cells: huge, Coefs: 4, QR: []float64{}, QRAux: []float64{1, 1, 1, 1}}).Fit()
	assert.ErrorIs(t, err, lmfit.ErrInvalidArgument)
	_, err = (&FitPayload{Cells: huge, Coefs: 4, Design: []float64{}}).Fit()
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = (&FitPayload{Cells: 0, Coefs: 2, Design: []float64{}}).Fit()
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestFitPayload_MatchCells(t *testing.T) {
	p := FitPayload{}
	require.NoError(t, p.MatchCells(5))
	assert.Equal(t, 5, p.Cells)
	assert.NoError(t, p.MatchCells(5))

	huge := FitPayload{Cells: 1 << 40}
	assert.ErrorIs(t, huge.MatchCells(5), ErrBadPayload)
	assert.Equal(t, 1<<40, huge.Cells)
}

func TestFitPayload_CachedFit(t *testing.T) {
	c := cache.NewMapCache(4)
	p := FitPayload{Cells: 3, Coefs: 2, Design: []float64{1, 0, 1, 1, 1, 2}}

	k1, err := p.Key()
	require.NoError(t, err)
	same := FitPayload{Cells: 3, Coefs: 2, Design: []float64{1, 0, 1, 1, 1, 2}}
	k2, err := same.Key()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	other := FitPayload{Cells: 3}
	k3, err := other.Key()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	f1, err := p.CachedFit(c)
	require.NoError(t, err)
	f2, err := same.CachedFit(c)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, c.Size())

	_, err = (&FitPayload{Cells: 3, Coefs: 2}).CachedFit(c)
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Equal(t, 1, c.Size())
}

func TestTransformPayload(t *testing.T) {
	tr, err := (&TransformPayload{}).Transform()
	require.NoError(t, err)
	assert.Equal(t, transform.Identity{}, tr)

	tr, err = (&TransformPayload{Kind: "lognorm", SizeFactors: []float64{1, 2}}).Transform()
	require.NoError(t, err)
	ln := tr.(*transform.LogNormalize)
	assert.Equal(t, DefaultPseudocount, ln.Pseudocount())

	zero := 0.0
	tr, err = (&TransformPayload{Kind: "lognorm", SizeFactors: []float64{1}, Pseudocount: &zero}).Transform()
	require.NoError(t, err)
	assert.Equal(t, 0.0, tr.(*transform.LogNormalize).Pseudocount())

	_, err = (&TransformPayload{Kind: "sqrt"}).Transform()
	assert.ErrorIs(t, err, transform.ErrInvalidArgument)
	_, err = (&TransformPayload{Kind: "lognorm"}).Transform()
	assert.ErrorIs(t, err, transform.ErrInvalidArgument)
}

func TestDecodeModel(t *testing.T) {
	pseudo := 0.5
	want := ModelPayload{
		Fit:       FitPayload{Cells: 3, Coefs: 1},
		Transform: TransformPayload{Kind: "lognorm", SizeFactors: []float64{1, 1, 2}, Pseudocount: &pseudo},
	}
	data, err := cbor.Marshal(want)
	require.NoError(t, err)

	got, err := DecodeModel(data)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	path := filepath.Join(t.TempDir(), "model.cbor")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, err = ReadModelFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	_, err = DecodeModel([]byte{0xff})
	assert.Error(t, err)
}

func TestDecodeRequest(t *testing.T) {
	// Larger than the decoder's default array limit.
	const cells = 200000
	req := StatsRequest{
		Counts: MatrixPayload{Rows: 1, Cols: cells, Ints: make([]int32, cells)},
		Model:  ModelPayload{Fit: FitPayload{Cells: cells}},
	}
	data, err := cbor.Marshal(req)
	require.NoError(t, err)

	got, err := DecodeRequest(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, got.Counts.Ints, cells)
	assert.Equal(t, cells, got.Model.Fit.Cells)
}

func TestComputeRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec, err := expr.RealRecord(mem, []string{"x", "y"}, 4, []float64{1, 2, 3, 4, 10, 10, 10, 10})
	require.NoError(t, err)
	defer rec.Release()
	fit, err := lmfit.Decompose(lmfit.Intercept(4))
	require.NoError(t, err)

	out, err := ComputeRecord(mem, rec, fit, transform.Identity{})
	require.NoError(t, err)
	defer out.Release()

	genes, res, err := ResultFromRecord(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, genes)
	assert.InDeltaSlice(t, []float64{2.5, 10}, res.Means, 1e-12)
	assert.InDeltaSlice(t, []float64{5.0 / 3.0, 0}, res.Variances, 1e-12)

	_, err = ComputeRecord(mem, rec, fit, nil)
	assert.ErrorIs(t, err, resstats.ErrInvalidArgument)
}

func TestFileMatrix_Batch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	path := writeBatches(t, mem, 2, []int32{1, 2}, []int32{3, 4, 5, 6})
	m, err := OpenFile(path, mem)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 2, m.NumBatches())
	rec, err := m.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.NumRows())
	rec.Release()

	_, err = m.Batch(2)
	assert.ErrorIs(t, err, expr.ErrOutOfRange)
}
