// Package manager is the scheduling orchestrator.
//
// A Manager composes the registry, the due-task selector, the executor and
// (optionally) a shared coordinator. It owns the task state machine:
//
//	pending --claim--> running --success--> completed
//	                   running --failure--> failed
//	                   running --interval re-arm--> pending
//	pending <--> deferred, pending --> cancelled   (external)
//
// Every cycle loads pending tasks, selects and orders the due ones, truncates
// them to MaxConcurrentTasks, claims them in the registry and only then hands
// them to the executor. The claim is the single guard against a task running
// twice, whether the second cycle comes from the same manager or another one.
package manager
