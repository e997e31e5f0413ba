// Package domain defines the core business types for the email outbox service.
//
// Types in this package are pure value objects with no behavior beyond pure
// functions, no database dependencies, and no HTTP concerns. They are the
// shared language between handlers, services, repositories, and the worker.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Derivation and validation methods are allowed (pure functions on the type)
//   - Constants and enums belong here
package domain
