// Shared data model for the moderation orchestrator: jobs, category scores, and the final moderation result.
//
// Other packages (decision engine, cache, coordinator, queue, streaming dispatcher) all speak in terms of these types, so this package has no dependencies on the rest of the module.
package moderation
