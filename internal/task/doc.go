// Package task holds the domain model shared by the registry, scheduler,
// executor and manager: tasks, their lifecycle, query filters, execution
// results and the typed error returned by public operations.
package task
