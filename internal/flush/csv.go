// Package flush persists finished takes off the tick path.
//
// A [Dispatcher] implements [keyframe.Flusher]: it resolves the output
// directory when the save edge fires, then hands the take to every configured
// [Sink] on a goroutine of its own. The tick path never waits for a write and
// never learns whether one failed; failures are logged and counted.
package flush

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// FormatValue renders v in fixed-point notation with six decimals.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// EncodeRows writes rows to w, one line per row, values separated by a
// single comma. There is no header line and no trailing comma; every line,
// including the last, ends in '\n'.
func EncodeRows(w io.Writer, rows [][]float64) error {
	cw := csv.NewWriter(w)
	var rec []string
	for i, row := range rows {
		rec = rec[:0]
		for _, v := range row {
			rec = append(rec, FormatValue(v))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("flush: encode row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
