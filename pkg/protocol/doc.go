// Package protocol defines the message envelope exchanged between Warren agents.
//
// # Overview
//
// Every piece of inter-agent communication travels as a Message: a typed,
// prioritised envelope addressed from one agent to another (or to the broadcast
// marker "*"). The envelope carries an opaque Payload that the core never
// interprets beyond a size bound and, optionally, a per-type JSON Schema.
//
// # Validity
//
// A Validator checks a message at the boundary before it reaches an inbox:
//
//   - From must be set and To must name an agent known to the Directory
//     (or be the broadcast marker)
//   - Type and Priority must be recognised enum values
//   - TTL, when set, must be positive
//   - the encoded Payload must not exceed the configured size bound
//
// Failures are reported as *InvalidMessageError, which matches ErrInvalidMessage
// through errors.Is.
//
// # Ordering
//
// Priorities rank urgent > high > normal > low. Inboxes deliver by rank first and
// by arrival order (Seq) second, so two messages with equal priority are always
// consumed first-in, first-out.
//
// # Usage Example
//
//	v := protocol.NewValidator(registry)
//	msg := protocol.NewTaskRequest("project-leader", "developer", "T-1", "implement login")
//	if err := v.Validate(msg); err != nil {
//		log.Fatal(err)
//	}
package protocol
