package report

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RowSchema is the Arrow schema written by WriteArrow.
var RowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "engine", Type: arrow.BinaryTypes.String},
	{Name: "repetitions", Type: arrow.PrimitiveTypes.Int64},
	{Name: "durations_ms", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	{Name: "min_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "max_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "mean_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "median_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "stddev_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "hint_applied", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "hint_degraded", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "row_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "plan_root", Type: arrow.BinaryTypes.String},
	{Name: "plan_nodes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// BuildRecord converts rows into a single Arrow record. The caller must
// release it.
func BuildRecord(mem memory.Allocator, rows []Row) arrow.Record {
	b := array.NewRecordBuilder(mem, RowSchema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.StringBuilder).Append(r.Name)
		b.Field(1).(*array.StringBuilder).Append(r.Engine)
		b.Field(2).(*array.Int64Builder).Append(int64(r.Repetitions))

		lb := b.Field(3).(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.Float64Builder).AppendValues(r.DurationsMs, nil)

		b.Field(4).(*array.Float64Builder).Append(r.MinMs)
		b.Field(5).(*array.Float64Builder).Append(r.MaxMs)
		b.Field(6).(*array.Float64Builder).Append(r.MeanMs)
		b.Field(7).(*array.Float64Builder).Append(r.MedianMs)
		b.Field(8).(*array.Float64Builder).Append(r.StdDevMs)
		b.Field(9).(*array.BooleanBuilder).Append(r.HintApplied)
		b.Field(10).(*array.BooleanBuilder).Append(r.HintDegraded)
		b.Field(11).(*array.Int64Builder).Append(r.RowCount)
		b.Field(12).(*array.StringBuilder).Append(r.PlanRoot)
		b.Field(13).(*array.Int64Builder).Append(int64(r.PlanNodes))

		if r.Error == "" {
			b.Field(14).(*array.StringBuilder).AppendNull()
		} else {
			b.Field(14).(*array.StringBuilder).Append(r.Error)
		}
	}

	return b.NewRecord()
}

// WriteArrow writes rows as an Arrow IPC stream.
func WriteArrow(rows []Row, w io.Writer) error {
	mem := memory.NewGoAllocator()
	rec := BuildRecord(mem, rows)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(RowSchema), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
