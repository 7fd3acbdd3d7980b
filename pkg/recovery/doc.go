/*
Package recovery implements the recovery ceremony of spec §4.7: Coordinator
is the wallet/recovering-device side (start, answer challenges, combine
released shares, decrypt the restored backup); GuardianRequestHandler and
GuardianChallengeResponseHandler are the guardian-role handlers that issue
challenges and release shares once one passes.

Fixed verification code, no gateway fan-out relay, and no authorization
check on the resulting NAMESPACE_SYNC GET are all demo-only shortcuts named
in spec §9's open questions, not oversights.
*/
package recovery
