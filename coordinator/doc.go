// Batch coordinator: turns scheduled jobs in to moderation results.
//
// Jobs move through received, scheduled, running, and then exactly one of completed, failed, or cancelled. Jobs with identical content are deduplicated by fingerprint against both the result cache and the table of in-flight computations, so each unique piece of content is scored at most once at a time.
//
// Typical lifecycle:
//
//	c, err := coordinator.New(cfg)
//	err = c.LoadModels(ctx)
//	go c.RunWorkers(ctx)
//	h, err := c.Schedule(ctx, job)
//	defer h.Release()
//	res, err := h.Wait(ctx)
//	...
//	c.Shutdown(ctx)
package coordinator
