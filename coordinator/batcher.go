package coordinator

import (
	"time"

	"github.com/bluesky-social/modgate/moderation"
)

// Groups computations from the intake buffer in to same-kind batches. A batch is dispatched as soon as it is full, or when the batch window (started by the first job of a round) closes. Exits after the intake is closed and drained, closing the batch channel behind it.
func (c *Coordinator) runBatcher() {
	defer close(c.batches)
	for {
		first, ok := <-c.intake
		if !ok {
			return
		}

		groups := map[moderation.ContentKind][]*computation{}
		var order []moderation.ContentKind
		add := func(comp *computation) {
			kind := comp.job.Kind
			if _, ok := groups[kind]; !ok {
				order = append(order, kind)
			}
			groups[kind] = append(groups[kind], comp)
			if len(groups[kind]) >= c.cfg.BatchSize {
				c.batches <- groups[kind]
				groups[kind] = nil
			}
		}
		add(first)

		window := time.NewTimer(c.cfg.BatchWindow)
		open := true
	collect:
		for {
			select {
			case comp, ok := <-c.intake:
				if !ok {
					open = false
					break collect
				}
				add(comp)
			case <-window.C:
				break collect
			}
		}
		window.Stop()

		for _, kind := range order {
			if batch := groups[kind]; len(batch) > 0 {
				c.batches <- batch
			}
		}
		if !open {
			return
		}
	}
}
