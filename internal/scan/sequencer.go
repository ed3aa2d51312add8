package scan

import (
	"context"
	"fmt"

	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
	"github.com/ICE-QTM/SSMiSS/internal/program"
)

// Progress reports which program entry is running.
type Progress struct {
	Index int // zero-based entry index
	Total int
}

// Sequencer drives a list of scan configurations end to end, one completed
// (or aborted) run at a time. An abort anywhere halts the whole program.
type Sequencer struct {
	ctrl *Controller

	// OnProgress, if set, observes each entry as it starts. Pure
	// notification, no control inversion.
	OnProgress func(Progress)

	// OnEntry, if set, may adjust the per-entry options (attach row
	// consumers, logging sinks) before the entry runs.
	OnEntry func(index int, entry program.Entry, opts *Options)
}

// NewSequencer creates a sequencer over the controller.
func NewSequencer(ctrl *Controller) *Sequencer {
	return &Sequencer{ctrl: ctrl}
}

// Run executes every entry in order. On failure it stops immediately and
// reports the failing entry index; later entries are never started.
func (s *Sequencer) Run(ctx context.Context, entries []program.Entry, base Options) error {
	total := len(entries)
	for i, entry := range entries {
		if s.OnProgress != nil {
			s.OnProgress(Progress{Index: i, Total: total})
		}
		monitoring.Logf("program: entry %d/%d starting", i+1, total)

		opts := base
		opts.Refresh = entry.Refresh
		if s.OnEntry != nil {
			s.OnEntry(i, entry, &opts)
		}

		if err := s.ctrl.Run(ctx, entry.Region(), opts); err != nil {
			return fmt.Errorf("program entry %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}
