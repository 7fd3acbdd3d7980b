/*
Package sharemanager owns the wallet-side ShareManager.Resplit and the
guardian-side GuardianHandler that receives the resulting
GUARDIAN_SHARE_UPDATE. Resplit is fire-and-forget towards any guardian that
doesn't confirm in time: the wallet's view of the guardian set is still
authoritative, so a missed confirm just means that guardian's on-disk share
is stale until the next resplit.
*/
package sharemanager
