// Package policy resolves the effective limit rule of a request.
//
// A Snapshot is compiled from the limits section of the configuration by
// FromConfig and never changes afterwards. The Resolver publishes snapshots
// through an atomic pointer so request paths never take a lock.
//
// Resolution order for a limit type:
//
//  1. The base rule of the type (DefaultRule when none is configured).
//  2. The tier multiplier, floored. Unknown tiers use the default tier.
//  3. A tier-specific rule replaces the base rule, multiplier reapplied.
//  4. Every active time window containing now scales the rule, in name
//     order, so overlapping windows multiply.
//  5. An override for the target (or the user) replaces steps 1-4.
//  6. Bypassed identities get BypassRule.
//
// Bypass conditions are typed values (UserPrefix, IPPrefix, InAdminList)
// evaluated with a type switch.
package policy
