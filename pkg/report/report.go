// Package report renders harness results for terminals and files.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
	"github.com/TFMV/cardinal/pkg/models"
	"github.com/TFMV/cardinal/pkg/stats"
)

// Format selects an output encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatTable    Format = "table"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
	FormatArrow    Format = "arrow"
)

var formats = map[string]Format{
	"json":     FormatJSON,
	"table":    FormatTable,
	"text":     FormatTable,
	"csv":      FormatCSV,
	"markdown": FormatMarkdown,
	"md":       FormatMarkdown,
	"arrow":    FormatArrow,
}

// ParseFormat maps a user supplied name to a Format.
func ParseFormat(name string) (Format, error) {
	if f, ok := formats[strings.ToLower(strings.TrimSpace(name))]; ok {
		return f, nil
	}
	names := make([]string, 0, len(formats))
	for n := range formats {
		names = append(names, n)
	}
	sort.Strings(names)
	return "", cerrors.New(cerrors.CodeInvalidRequest,
		fmt.Sprintf("unknown output format %q (expected one of %s)", name, strings.Join(names, ", ")))
}

// Row is one flattened benchmark outcome. Times are in milliseconds.
type Row struct {
	Name         string    `json:"name"`
	Engine       string    `json:"engine"`
	Repetitions  int       `json:"repetitions"`
	DurationsMs  []float64 `json:"durations_ms"`
	MinMs        float64   `json:"min_ms"`
	MaxMs        float64   `json:"max_ms"`
	MeanMs       float64   `json:"mean_ms"`
	MedianMs     float64   `json:"median_ms"`
	StdDevMs     float64   `json:"stddev_ms"`
	HintApplied  bool      `json:"hint_applied"`
	HintDegraded bool      `json:"hint_degraded"`
	RowCount     int64     `json:"row_count"`
	PlanRoot     string    `json:"plan_root"`
	PlanNodes    int       `json:"plan_nodes"`
	Error        string    `json:"error,omitempty"`
}

// Columns is the header shared by the tabular formats.
var Columns = []string{
	"name", "engine", "repetitions", "min_ms", "max_ms", "mean_ms", "median_ms",
	"stddev_ms", "hint_applied", "hint_degraded", "row_count", "plan_root", "plan_nodes", "error",
}

// FromBenchmark flattens a benchmark result.
func FromBenchmark(name string, r *models.BenchmarkResult) Row {
	durations := make([]float64, len(r.Durations))
	for i, d := range r.Durations {
		durations[i] = stats.Milliseconds(d)
	}
	return Row{
		Name:         name,
		Engine:       r.Engine,
		Repetitions:  r.Repetitions,
		DurationsMs:  durations,
		MinMs:        stats.Milliseconds(r.Stats.Min),
		MaxMs:        stats.Milliseconds(r.Stats.Max),
		MeanMs:       stats.Milliseconds(r.Stats.Mean),
		MedianMs:     stats.Milliseconds(r.Stats.Median),
		StdDevMs:     stats.Milliseconds(r.Stats.StdDev),
		HintApplied:  r.HintApplied,
		HintDegraded: r.HintDegraded,
		RowCount:     r.RowCount,
		PlanRoot:     r.Plan.Summary.RootNode,
		PlanNodes:    r.Plan.Summary.NodeCount,
	}
}

// FromComparison flattens each strategy of a comparison. Failed strategies
// keep their name and error text.
func FromComparison(c *models.ComparisonResult) []Row {
	rows := make([]Row, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.Result != nil {
			rows = append(rows, FromBenchmark(s.Name, s.Result))
			continue
		}
		rows = append(rows, Row{Name: s.Name, Error: s.Error})
	}
	return rows
}

func (r Row) record() []string {
	return []string{
		r.Name,
		r.Engine,
		strconv.Itoa(r.Repetitions),
		formatMs(r.MinMs),
		formatMs(r.MaxMs),
		formatMs(r.MeanMs),
		formatMs(r.MedianMs),
		formatMs(r.StdDevMs),
		strconv.FormatBool(r.HintApplied),
		strconv.FormatBool(r.HintDegraded),
		strconv.FormatInt(r.RowCount, 10),
		r.PlanRoot,
		strconv.Itoa(r.PlanNodes),
		r.Error,
	}
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// WriteJSON writes v to w as indented JSON.
func WriteJSON(v interface{}, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteCSV writes rows in CSV format.
func WriteCSV(rows []Row, w io.Writer) error {
	c := csv.NewWriter(w)
	if err := c.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := c.Write(r.record()); err != nil {
			return err
		}
	}
	c.Flush()
	return c.Error()
}

// WriteTable renders rows as aligned columns for a terminal.
func WriteTable(rows []Row, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "STRATEGY\tREPS\tMIN(ms)\tMEAN(ms)\tMEDIAN(ms)\tMAX(ms)\tROWS\tHINT\tPLAN\n")
	for _, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t-\terror: %s\n", r.Name, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Name, r.Repetitions,
			formatMs(r.MinMs), formatMs(r.MeanMs), formatMs(r.MedianMs), formatMs(r.MaxMs),
			r.RowCount, hintState(r), planLabel(r))
	}
	return tw.Flush()
}

// WriteMarkdown renders rows as a Markdown table.
func WriteMarkdown(rows []Row, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "| %s |\n", strings.Join(Columns, " | ")); err != nil {
		return err
	}
	sep := make([]string, len(Columns))
	for i := range sep {
		sep[i] = "---"
	}
	if _, err := fmt.Fprintf(w, "| %s |\n", strings.Join(sep, " | ")); err != nil {
		return err
	}
	for _, r := range rows {
		cells := r.record()
		for i, c := range cells {
			cells[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		if _, err := fmt.Fprintf(w, "| %s |\n", strings.Join(cells, " | ")); err != nil {
			return err
		}
	}
	return nil
}

// WriteRows writes rows in the given format.
func WriteRows(format Format, rows []Row, w io.Writer) error {
	switch format {
	case FormatJSON:
		return WriteJSON(rows, w)
	case FormatTable:
		return WriteTable(rows, w)
	case FormatCSV:
		return WriteCSV(rows, w)
	case FormatMarkdown:
		return WriteMarkdown(rows, w)
	case FormatArrow:
		return WriteArrow(rows, w)
	default:
		return cerrors.New(cerrors.CodeInvalidRequest, fmt.Sprintf("unsupported output format %q", format))
	}
}

// WriteBenchmark writes a single benchmark. JSON output keeps the full
// result including the plan.
func WriteBenchmark(format Format, r *models.BenchmarkResult, w io.Writer) error {
	if format == FormatJSON {
		return WriteJSON(r, w)
	}
	if err := WriteRows(format, []Row{FromBenchmark("default", r)}, w); err != nil {
		return err
	}
	if format == FormatTable && r.Plan.Raw() != "" {
		_, err := fmt.Fprintf(w, "\nPlan (%s):\n%s\n", r.Plan.Format, r.Plan.Raw())
		return err
	}
	return nil
}

// WriteComparison writes every strategy of a comparison.
func WriteComparison(format Format, c *models.ComparisonResult, w io.Writer) error {
	if format == FormatJSON {
		return WriteJSON(c, w)
	}
	if err := WriteRows(format, FromComparison(c), w); err != nil {
		return err
	}
	if best, ok := c.BestStrategy(); ok && format == FormatTable {
		_, err := fmt.Fprintf(w, "\nBest strategy: %s (mean %s ms)\n", best.Name, formatMs(stats.Milliseconds(best.Result.Stats.Mean)))
		return err
	}
	return nil
}

// WriteExplain writes an explain result. Formats other than JSON print the
// plan body as the engine returned it.
func WriteExplain(format Format, r *models.ExplainResult, w io.Writer) error {
	if format == FormatJSON {
		return WriteJSON(r, w)
	}
	if r.HintDegraded {
		if _, err := fmt.Fprintln(w, "-- hint not applied: engine has no hint support"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, r.Plan.Raw())
	return err
}

func hintState(r Row) string {
	switch {
	case r.HintApplied:
		return "applied"
	case r.HintDegraded:
		return "degraded"
	default:
		return "-"
	}
}

func planLabel(r Row) string {
	if r.PlanRoot == "" {
		return "-"
	}
	return fmt.Sprintf("%s (%d nodes)", r.PlanRoot, r.PlanNodes)
}
