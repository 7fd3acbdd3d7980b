/*
Package engine implements ProtocolEngine, CoralKM's message dispatcher.
Handlers for each message type are registered by the role-specific setup
code in pkg/wallet, pkg/namespacesync, pkg/sharemanager, and pkg/recovery;
ProtocolEngine itself only knows how to validate, dispatch, and translate
errors into problem reports.
*/
package engine
