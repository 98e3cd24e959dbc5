package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	// CountsColumn holds one fixed_size_list<int32|float64>[cells] per gene.
	CountsColumn = "counts"
	// GeneColumn optionally holds gene identifiers.
	GeneColumn = "gene"
)

// ensure interface compliance
var _ IntegerRows = (*ArrowMatrix)(nil)
var _ RealRows = (*ArrowMatrix)(nil)

// ArrowMatrix exposes an Arrow RecordBatch as an expression matrix.
// Each record row is a gene; the counts column is a fixed size list whose
// length is the number of cells.
type ArrowMatrix struct {
	rec    arrow.RecordBatch
	counts *array.FixedSizeList
	ints   *array.Int32
	reals  *array.Float64
	genes  int
	cells  int
}

// Layout reads the number of cells and the element type from a counts schema.
func Layout(schema *arrow.Schema) (int, ElementType, error) {
	idx := schema.FieldIndices(CountsColumn)
	if len(idx) == 0 {
		return 0, Unknown, fmt.Errorf("%w: missing %q column", ErrBadShape, CountsColumn)
	}
	dt := schema.Field(idx[0]).Type
	fslType, ok := dt.(*arrow.FixedSizeListType)
	if !ok {
		return 0, Unknown, fmt.Errorf("%w: %q is %s, want fixed_size_list", ErrUnsupportedType, CountsColumn, dt)
	}
	cells := int(fslType.Len())
	if cells <= 0 {
		return 0, Unknown, fmt.Errorf("%w: %d cells", ErrBadShape, cells)
	}
	switch fslType.Elem().ID() {
	case arrow.INT32:
		return cells, Integer, nil
	case arrow.FLOAT64:
		return cells, Real, nil
	default:
		return 0, Unknown, fmt.Errorf("%w: list element %s", ErrUnsupportedType, fslType.Elem())
	}
}

// NewArrowMatrix validates the schema of rec and retains it.
// Callers must call Release when done.
func NewArrowMatrix(rec arrow.RecordBatch) (*ArrowMatrix, error) {
	cells, elem, err := Layout(rec.Schema())
	if err != nil {
		return nil, err
	}
	fsl := rec.Column(rec.Schema().FieldIndices(CountsColumn)[0]).(*array.FixedSizeList)

	m := &ArrowMatrix{
		rec:    rec,
		counts: fsl,
		genes:  int(rec.NumRows()),
		cells:  cells,
	}
	if elem == Integer {
		m.ints = fsl.ListValues().(*array.Int32)
	} else {
		m.reals = fsl.ListValues().(*array.Float64)
	}

	rec.Retain()
	return m, nil
}

func (m *ArrowMatrix) Dims() (int, int) {
	return m.genes, m.cells
}

func (m *ArrowMatrix) Type() ElementType {
	if m.ints != nil {
		return Integer
	}
	return Real
}

func (m *ArrowMatrix) IntegerRow(i int, dst []int32) error {
	if m.ints == nil {
		return fmt.Errorf("%w: counts are %s", ErrUnsupportedType, m.Type())
	}
	if err := checkRow(i, m.genes, m.cells, len(dst)); err != nil {
		return err
	}
	start, end := m.counts.ValueOffsets(i)
	copy(dst, m.ints.Int32Values()[start:end])
	return nil
}

func (m *ArrowMatrix) RealRow(i int, dst []float64) error {
	if m.reals == nil {
		return fmt.Errorf("%w: counts are %s", ErrUnsupportedType, m.Type())
	}
	if err := checkRow(i, m.genes, m.cells, len(dst)); err != nil {
		return err
	}
	start, end := m.counts.ValueOffsets(i)
	copy(dst, m.reals.Float64Values()[start:end])
	return nil
}

// GeneNames returns the gene column, or nil if the record has none.
func (m *ArrowMatrix) GeneNames() []string {
	idx := m.rec.Schema().FieldIndices(GeneColumn)
	if len(idx) == 0 {
		return nil
	}
	col, ok := m.rec.Column(idx[0]).(*array.String)
	if !ok {
		return nil
	}
	names := make([]string, col.Len())
	for i := range names {
		names[i] = col.Value(i)
	}
	return names
}

func (m *ArrowMatrix) Release() {
	m.rec.Release()
}

// CountsSchema returns the schema NewArrowMatrix expects.
func CountsSchema(cells int, elem arrow.DataType) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: GeneColumn, Type: arrow.BinaryTypes.String},
			{Name: CountsColumn, Type: arrow.FixedSizeListOf(int32(cells), elem)},
		},
		nil,
	)
}

// IntegerRecord builds a counts record from row-major int32 data.
// genes may be nil, in which case the gene column is left empty strings.
func IntegerRecord(mem memory.Allocator, genes []string, cells int, data []int32) (arrow.RecordBatch, error) {
	n, err := recordRows(genes, cells, len(data))
	if err != nil {
		return nil, err
	}
	fslb := array.NewFixedSizeListBuilder(mem, int32(cells), arrow.PrimitiveTypes.Int32)
	defer fslb.Release()
	vb := fslb.ValueBuilder().(*array.Int32Builder)
	for i := 0; i < n; i++ {
		fslb.Append(true)
		vb.AppendValues(data[i*cells:(i+1)*cells], nil)
	}
	return buildRecord(mem, genes, n, cells, arrow.PrimitiveTypes.Int32, fslb)
}

// RealRecord builds a counts record from row-major float64 data.
func RealRecord(mem memory.Allocator, genes []string, cells int, data []float64) (arrow.RecordBatch, error) {
	n, err := recordRows(genes, cells, len(data))
	if err != nil {
		return nil, err
	}
	fslb := array.NewFixedSizeListBuilder(mem, int32(cells), arrow.PrimitiveTypes.Float64)
	defer fslb.Release()
	vb := fslb.ValueBuilder().(*array.Float64Builder)
	for i := 0; i < n; i++ {
		fslb.Append(true)
		vb.AppendValues(data[i*cells:(i+1)*cells], nil)
	}
	return buildRecord(mem, genes, n, cells, arrow.PrimitiveTypes.Float64, fslb)
}

func recordRows(genes []string, cells, ndata int) (int, error) {
	if cells <= 0 || ndata%cells != 0 {
		return 0, fmt.Errorf("%w: %d values for %d cells", ErrBadShape, ndata, cells)
	}
	n := ndata / cells
	if genes != nil && len(genes) != n {
		return 0, fmt.Errorf("%w: %d gene names for %d rows", ErrBadShape, len(genes), n)
	}
	return n, nil
}

func buildRecord(mem memory.Allocator, genes []string, n, cells int, elem arrow.DataType, fslb *array.FixedSizeListBuilder) (arrow.RecordBatch, error) {
	sb := array.NewStringBuilder(mem)
	defer sb.Release()
	if genes != nil {
		sb.AppendValues(genes, nil)
	} else {
		for i := 0; i < n; i++ {
			sb.Append("")
		}
	}

	geneArr := sb.NewArray()
	defer geneArr.Release()
	countsArr := fslb.NewArray()
	defer countsArr.Release()

	return array.NewRecordBatch(CountsSchema(cells, elem), []arrow.Array{geneArr, countsArr}, int64(n)), nil
}
