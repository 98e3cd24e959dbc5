package exprio

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-resvar/internal/expr"
	"github.com/23skdu/longbow-resvar/internal/lmfit"
	"github.com/23skdu/longbow-resvar/internal/resstats"
	"github.com/23skdu/longbow-resvar/internal/transform"
)

const (
	MeanColumn     = "mean"
	VarianceColumn = "variance"
)

// ResultSchema is the schema of residual statistics records.
var ResultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: expr.GeneColumn, Type: arrow.BinaryTypes.String},
		{Name: MeanColumn, Type: arrow.PrimitiveTypes.Float64},
		{Name: VarianceColumn, Type: arrow.PrimitiveTypes.Float64},
	},
	nil,
)

// ResultRecord builds a record of per-gene statistics.
// genes may be nil, in which case the gene column holds empty strings.
func ResultRecord(mem memory.Allocator, genes []string, res *resstats.Result) (arrow.RecordBatch, error) {
	n := len(res.Means)
	if len(res.Variances) != n || (genes != nil && len(genes) != n) {
		return nil, fmt.Errorf("%w: %d genes, %d means, %d variances",
			expr.ErrBadShape, len(genes), n, len(res.Variances))
	}

	gb := array.NewStringBuilder(mem)
	defer gb.Release()
	if genes != nil {
		gb.AppendValues(genes, nil)
	} else {
		for i := 0; i < n; i++ {
			gb.Append("")
		}
	}
	mb := array.NewFloat64Builder(mem)
	defer mb.Release()
	mb.AppendValues(res.Means, nil)
	vb := array.NewFloat64Builder(mem)
	defer vb.Release()
	vb.AppendValues(res.Variances, nil)

	cols := []arrow.Array{gb.NewArray(), mb.NewArray(), vb.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(ResultSchema, cols, int64(n)), nil
}

// ComputeRecord runs the engine over a counts record and returns the
// matching result record, gene names carried over.
func ComputeRecord(mem memory.Allocator, rec arrow.RecordBatch, fit lmfit.Fit, tr transform.Transform, opts ...resstats.Option) (arrow.RecordBatch, error) {
	m, err := expr.NewArrowMatrix(rec)
	if err != nil {
		return nil, err
	}
	defer m.Release()

	res, err := resstats.Compute(m, fit, tr, opts...)
	if err != nil {
		return nil, err
	}
	return ResultRecord(mem, m.GeneNames(), res)
}

// ResultFromRecord reads a record built by ResultRecord.
func ResultFromRecord(rec arrow.RecordBatch) ([]string, *resstats.Result, error) {
	if !rec.Schema().Equal(ResultSchema) {
		return nil, nil, fmt.Errorf("%w: unexpected result schema %s", expr.ErrBadShape, rec.Schema())
	}
	genes := rec.Column(0).(*array.String)
	means := rec.Column(1).(*array.Float64)
	vars := rec.Column(2).(*array.Float64)

	names := make([]string, genes.Len())
	for i := range names {
		names[i] = genes.Value(i)
	}
	res := &resstats.Result{
		Means:     append([]float64(nil), means.Float64Values()...),
		Variances: append([]float64(nil), vars.Float64Values()...),
	}
	return names, res, nil
}

// WriteStream writes result records to w as an Arrow IPC stream.
func WriteStream(w io.Writer, recs ...arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(ResultSchema))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
