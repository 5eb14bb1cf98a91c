/*
Package messaging carries best-effort, at-least-once notifications
between agents and schedulers: one queue per scheduler region, one per
service.

Three typed messages are defined — Reschedule, ServiceFailure, and
DeployLockReleased — each JSON-encoded with a type discriminator
(Encode/Decode). Dispatch drains a Queue and deletes every message it
receives after its handler runs, regardless of outcome (a malformed
message is deleted without reaching the handler): correctness
comes from handler idempotence, not from queue redelivery or ordering,
which this package does not provide.

SQSQueue implements Queue against AWS SQS; any other implementation of
the Queue interface plugs into the same Dispatch loop.
*/
package messaging
