package scheduler

import (
	"context"
	"fmt"

	"crosspost/internal/model"
	"crosspost/internal/recurrence"
	"crosspost/internal/store"
)

// materializeNext creates the next instance of a recurring post after the
// current instance published. Returns the new id, or "" when the series
// ends (non-recurring, or the calculator yields nothing — a terminal
// no-op, not an error).
//
// Creation failure is surfaced to the caller but never rolls back the
// already-published predecessor: publishing is the higher-priority
// guarantee.
func materializeNext(ctx context.Context, st store.Store, p *model.ScheduledPost) (string, error) {
	if !p.Recurring() {
		return "", nil
	}
	next, ok := recurrence.NextOccurrence(p.Schedule)
	if !ok {
		return "", nil
	}

	// Content is copied, never referenced: later edits to one instance
	// must not retroactively affect another.
	successor := &model.ScheduledPost{
		OwnerID:        p.OwnerID,
		OrganizationID: p.OrganizationID,
		Content:        p.Content.Clone(),
		Schedule: model.Schedule{
			PublishAt:  next,
			Timezone:   p.Schedule.Timezone,
			Recurrence: p.Schedule.Recurrence.Clone(),
		},
		Status:      model.StatusScheduled,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		Tags:        append([]string(nil), p.Tags...),
		Notes:       p.Notes,
	}

	id, err := st.Create(ctx, successor)
	if err != nil {
		return "", fmt.Errorf("materialize successor of %s: %w", p.ID, err)
	}
	return id, nil
}
