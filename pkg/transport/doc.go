/*
Package transport provides the Mediator abstraction CoralKM's other
components depend on for delivery: namespace provisioning, guardian
lifecycle, share updates, and recovery ceremonies are all expressed as
Send/Subscribe over a Mediator, never as direct calls between roles.

Broker is the in-memory reference implementation, grounded on pkg/events'
subscriber-map-plus-buffered-channel broker. Unlike pkg/events it addresses
delivery by recipient identity (Message.To) rather than broadcasting every
event to every subscriber, and it drops rather than blocks when a
subscriber's buffer is full, matching the non-blocking-publish trade-off
pkg/events already made for a different workload.

A production deployment supplies its own Mediator (gRPC, a message queue,
whatever fits); CoralKM's core packages only ever see the interface.
*/
package transport
