// Package orchestrator coordinates a project's agents around its
// conversations.
//
// The Coordinator receives deduplicated events from intake and gives each
// conversation its own lane, so events of one thread are handled in
// arrival order while different threads run concurrently up to
// MaxConcurrent routing passes. A routing pass:
//   - Routes the event through the router (mentions, phase, halts)
//   - Picks a team with the configured team.Selector
//   - Runs the team's turns and publishes their responses
//   - Applies each turn's signal and runs the follow-up turns it calls for
//
// Example usage:
//
//	coord, err := orchestrator.New(orchestrator.Deps{
//		Network:  pool,
//		Registry: reg,
//		Router:   router.New(db, reg),
//		Turns:    runner,
//		Dedup:    store,
//		Project:  meta,
//	}, orchestrator.DefaultConfig(), orchestrator.WithShutdown(tool))
//	if err := coord.Start(ctx); err != nil { ... }
//	defer coord.Stop(shutdownCtx)
package orchestrator
