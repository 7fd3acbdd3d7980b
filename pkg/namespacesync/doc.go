/*
Package namespacesync holds the gateway-side handlers for namespace
provisioning (NAMESPACE_REQUEST) and backup sync (NAMESPACE_SYNC PUT/GET),
plus the Seal/Open helpers the wallet side uses to encrypt and decrypt a
backup with its namespace as AEAD associated data.

NAMESPACE_SYNC GET accepts an optional recovery_id to resolve someone else's
namespace during a recovery ceremony; spec §9 open question 2 notes this
path currently has no authorization beyond what the engine already
enforces.
*/
package namespacesync
