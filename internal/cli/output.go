package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/wehubfusion/apiflow/pkg/engine"
)

// Output formats command output. Data goes to w, messages to errW.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput creates an Output
func NewOutput(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// JSONMode reports whether data is printed as JSON
func (o *Output) JSONMode() bool {
	return o.jsonMode
}

// Table prints rows under headers, aligned with tabwriter
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON prints v indented
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Success prints a message to errW
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error prints an error message to errW
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// Runs prints one row per run report. exports maps report index to its export URL.
// In JSON mode snapshots have already been streamed, so only a message is printed.
func (o *Output) Runs(reports []engine.Report, exports map[int]string) {
	failed := 0
	rows := make([][]string, len(reports))
	for i, rep := range reports {
		status := "ok"
		if rep.Err != nil {
			status = "failed: " + rep.Err.Error()
			failed++
		}
		rows[i] = []string{rep.RunID, formatParams(rep.Params), strconv.Itoa(len(rep.Results)), status, exports[i]}
	}

	if !o.jsonMode {
		o.Table([]string{"RUN_ID", "PARAMS", "RESULTS", "STATUS", "EXPORT"}, rows)
	}
	o.Success(fmt.Sprintf("%d runs, %d failed", len(reports), failed))
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, ",")
}
