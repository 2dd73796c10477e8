// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// In Clean Architecture / Hexagonal Architecture, ports are the boundaries
// between the application core and the outside world. They define what the
// application needs from external systems without specifying how those needs
// are fulfilled.
//
// # Port Interfaces
//
//   - [CommandQueue]: At-least-once queue of fan-out and execute commands
//   - [SubgraphSource]: Paginated, time-bounded queries against the indexer
//   - [IngestStore]: Persists records, slice completion state and dead letters
//   - [CursorRepository]: Persists the filler's ingest cursor
//   - [Logger]: Structured logging abstraction
//   - [HTTPClient]: HTTP request abstraction for dependency injection
//   - [Clock]: Current time, replaceable in tests
//
// # Usage
//
// The application layer (internal/app) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement these interfaces
// with concrete implementations (bbolt, pebble, postgres, HTTP, zerolog, etc.).
package ports
