package scandb

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/waveform"
)

// ExportCSV streams the run's raw samples as CSV, reconstructing the
// commanded xvolt/yvolt columns from the stored group name and data rate.
// The first line is "<start time>|sssgg", the legacy marker consumers key
// on; the second is the column header.
func (s *Store) ExportCSV(w io.Writer, runID string) error {
	run, err := s.GetRun(runID)
	if err != nil {
		return err
	}

	region, err := waveform.ParseGroupName(run.GroupName)
	if err != nil {
		return fmt.Errorf("exporting run %s: %w", runID, err)
	}
	region.SampleRate = run.DataRate
	plan, err := waveform.Plan(region)
	if err != nil {
		return fmt.Errorf("exporting run %s: %w", runID, err)
	}

	if _, err := fmt.Fprintf(w, "%s|sssgg\n", run.StartedAt.UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	rows, err := s.Query(`
		SELECT sample_index, channel, value FROM scan_samples
		WHERE run_id = ? ORDER BY sample_index, channel`, runID)
	if err != nil {
		return fmt.Errorf("exporting run %s: %w", runID, err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	rowLen := plan.RowLength()
	total := plan.TotalSamples()

	header := []string{"xvolt", "yvolt"}
	wroteHeader := false

	index := -1
	var values []string
	flush := func() error {
		if index < 0 || index >= total {
			return nil
		}
		if !wroteHeader {
			for ch := range values {
				header = append(header, "ai"+strconv.Itoa(ch))
			}
			if err := cw.Write(header); err != nil {
				return err
			}
			wroteHeader = true
		}
		record := []string{
			strconv.FormatFloat(plan.X[index%rowLen], 'g', -1, 64),
			strconv.FormatFloat(plan.Y[index/rowLen], 'g', -1, 64),
		}
		return cw.Write(append(record, values...))
	}

	for rows.Next() {
		var idx, ch int
		var v float64
		if err := rows.Scan(&idx, &ch, &v); err != nil {
			return err
		}
		if idx != index {
			if err := flush(); err != nil {
				return err
			}
			index = idx
			values = values[:0]
		}
		values = append(values, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := flush(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
