// Package domain contains the core domain entities and value objects for niftysave.
//
// This package represents the innermost layer of the Clean Architecture. It has
// no dependencies on infrastructure concerns (queue, store, HTTP, logging) and
// contains only pure business logic.
//
// # Entities
//
//   - [TimeSlice]: a half-open window of the event timeline
//   - [FanOutCommand] and [ExecuteCommand]: the two units of queued work
//   - [IngestRecord]: one ingested mint/transfer entity
//   - [SliceCompletion]: per-slice progress, advanced by the executors and the purge sweep
//   - [IngestCursor]: the rightmost boundary already handed to the queue
//   - [DeadLetter]: the permanent record of a command that could not be completed
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Focused on business rules and invariants
//   - Testable without mocks or external systems
package domain
