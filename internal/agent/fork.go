package agent

import (
	"context"
	"fmt"

	"github.com/agencykit/agentd/internal/events"
	"github.com/agencykit/agentd/internal/projection"
)

// Export returns the full event log for forking or download.
func (a *Actor) Export(ctx context.Context) ([]events.Event, error) {
	return a.Events(ctx, 0)
}

// ImportEvents bulk-loads a forked history. Sequence numbers are
// reassigned by the store; the projection is rebuilt afterwards.
func (a *Actor) ImportEvents(ctx context.Context, evs []events.Event) error {
	var ferr error
	err := a.call(ctx, func() {
		bg := context.Background()
		if _, ferr = a.svc.Store.AddEvents(bg, evs); ferr != nil {
			ferr = fmt.Errorf("import events: %w", ferr)
			return
		}
		all, err := a.svc.Store.ListEvents(bg)
		if err != nil {
			ferr = fmt.Errorf("import reload: %w", err)
			return
		}
		a.proj = projection.Project(all)
		if a.maxSeq, err = a.svc.Store.MaxSeq(bg); err != nil {
			ferr = fmt.Errorf("import seq: %w", err)
			return
		}
	})
	if err != nil {
		return err
	}
	return ferr
}
