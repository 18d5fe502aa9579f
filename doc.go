// Package orchestrate runs sagas: multi-step business transactions whose
// steps each carry a compensating action, so a failure partway through
// unwinds the completed work instead of leaving it half-done. For more on
// distributed sagas, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// # Overview
//
//  1. Implement your step actions as functions:
//     - Write a forward function and, where the step has an external
//     effect, a compensating function for each step.
//     - Register both in a FuncInvoker under stable action refs.
//  2. Describe each saga as an ordered Definition:
//     - Use NewDefinitionBuilder to declare steps, per-step retry
//     policies, timeouts, and ordering constraints, or load the same
//     from YAML with LoadDefinitions.
//     - Register definitions in a Registry under their saga type name.
//  3. Run your sagas:
//     - Pick a Journal. NewMemoryJournal works for tests; NewFileJournal
//     persists instances across restarts.
//     - Create an Engine with New, then drive instances with Start,
//     Status, Cancel, Resume, and Watch.
//
// Every state change is derived by replaying the instance's append-only
// journal, never held in memory, so a crash at any point leaves the
// instance resumable with Resume. Compensating actions must be idempotent:
// recovery re-runs any compensation whose outcome was lost.
//
// For a complete example, see examples/order.
package orchestrate
