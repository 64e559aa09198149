package overlay

import (
	"context"

	"visitoverlay/internal/correlate"
	"visitoverlay/internal/tap"
)

// RowView is one correlated row with its derived column values.
type RowView struct {
	VisitID  string            `json:"visit_id"`
	ClientID string            `json:"client_id,omitempty"`
	Ready    bool              `json:"ready"`
	Error    string            `json:"error,omitempty"`
	Values   map[string]string `json:"values"`
}

// Snapshot is a point-in-time view of the overlay.
type Snapshot struct {
	State       string          `json:"state"`
	Variant     string          `json:"variant,omitempty"`
	Ticks       int             `json:"ticks"`
	WatcherArms int             `json:"watcher_arms"`
	Tap         tap.Stats       `json:"tap"`
	Correlation correlate.Stats `json:"correlation"`
	Rows        []RowView       `json:"rows,omitempty"`
}

// Snapshot reads the overlay's state on the loop. Rows are included when withRows is set.
func (o *Overlay) Snapshot(ctx context.Context, withRows bool) (Snapshot, error) {
	var s Snapshot
	err := o.loop.Do(ctx, func() {
		s = Snapshot{
			State:       o.sched.State().String(),
			Variant:     string(o.adapter.Variant()),
			Ticks:       o.sched.Ticks(),
			WatcherArms: o.watcher.Arms(),
			Tap:         o.tap.Stats(),
			Correlation: o.corr.Stats(),
		}
		if !withRows {
			return
		}
		owned := o.registry.Owned()
		for _, r := range o.corr.Rows() {
			row := r
			v := RowView{
				VisitID:  r.VisitID,
				ClientID: r.ClientID,
				Ready:    r.Ready,
				Error:    r.Err,
				Values:   make(map[string]string, len(owned)),
			}
			for _, def := range owned {
				v.Values[def.ID] = def.Value(&row).Text
			}
			s.Rows = append(s.Rows, v)
		}
	})
	return s, err
}
