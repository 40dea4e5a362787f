// Package keys builds the fully-qualified KV key strings used across the
// pipeline, so the rest of it never hand-assembles a key literal and risks
// a typo splitting a dedupe gate in two.
package keys

import (
	"fmt"
	"time"
)

// Warmap is the single key holding the last accepted Snapshot JSON.
const Warmap = "warmap"

// StrictDeliveryFlag toggles strict (retry-preferring) delivery mode.
const StrictDeliveryFlag = "flags:strict_delivery"

// MinuteStamp buckets t to the minute, the granularity used by every
// minute-bucketed dedupe/claim key.
func MinuteStamp(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// Owner is the baseline-owner key for a keep.
func Owner(keepID string) string { return fmt.Sprintf("own:%s", keepID) }

// UAState holds the banner-on timestamp (or "0") while a siege is tracked.
func UAState(keepID string) string { return fmt.Sprintf("ua:state:%s", keepID) }

// UAAlertStart is the one-alert-per-siege session gate.
func UAAlertStart(keepID string) string { return fmt.Sprintf("alert:ua:start:%s", keepID) }

// UASuppress blocks UA alerts briefly after a capture.
func UASuppress(keepID string) string { return fmt.Sprintf("ua:suppress:%s", keepID) }

// UAClaim is the cross-invocation claim for a UA rising edge in one minute
// bucket.
func UAClaim(keepID, minuteStamp string) string {
	return fmt.Sprintf("ua:claim:%s:%s", keepID, minuteStamp)
}

// UnderAlert is the UA dedupe key within one minute bucket.
func UnderAlert(keepID, minuteStamp string) string {
	return fmt.Sprintf("alert:under:%s:%s", keepID, minuteStamp)
}

// UANoBanner is the fallback-path UA suppressor.
func UANoBanner(keepID string) string { return fmt.Sprintf("alert:ua:nobanner:%s", keepID) }

// CapOnceNewOwner is the capture once-per-new-owner gate.
func CapOnceNewOwner(keepID string, newOwner string) string {
	return fmt.Sprintf("cap:once:%s:%s", keepID, newOwner)
}

// CapOnceTransition is the capture once-per-transition gate.
func CapOnceTransition(keepID, prevOwner, newOwner string) string {
	return fmt.Sprintf("cap:once:%s:%s->%s", keepID, prevOwner, newOwner)
}

// CapSeen is the redundant capture-dedupe key.
func CapSeen(keepID, newOwner string) string {
	return fmt.Sprintf("cap:seen:%s:%s", keepID, newOwner)
}

// CapAny is the unified capture dedupe key across paths, minute-bucketed.
func CapAny(keepID, newOwner, minuteStamp string) string {
	return fmt.Sprintf("cap:any:%s:%s:%s", keepID, newOwner, minuteStamp)
}

// CapClaim is the cross-invocation claim for a capture in one minute
// bucket.
func CapClaim(keepID, newOwner, minuteStamp string) string {
	return fmt.Sprintf("cap:claim:%s:%s:%s", keepID, newOwner, minuteStamp)
}

// RPBaseline is the lifetime realm-point baseline for a tracked player.
func RPBaseline(playerID string) string { return fmt.Sprintf("rp:%s", playerID) }

// RPActive is the active-session flag for a tracked player.
func RPActive(playerID string) string { return fmt.Sprintf("rp:active:%s", playerID) }

// RPLast is the last-notify time (ms) for a tracked player.
func RPLast(playerID string) string { return fmt.Sprintf("rp:last:%s", playerID) }

// DiscordCooldown is the per-webhook cooldown-until key.
func DiscordCooldown(pathHash string) string { return fmt.Sprintf("discord:cooldown:%s", pathHash) }

// DiscordLast is the per-webhook last-successful-send key.
func DiscordLast(pathHash string) string { return fmt.Sprintf("discord:last:%s", pathHash) }

// DiscordPenalty is the per-webhook pacing multiplier counter.
func DiscordPenalty(pathHash string) string { return fmt.Sprintf("discord:penalty:%s", pathHash) }

// DiscordGlobalLast is the global last-successful-send key.
const DiscordGlobalLast = "discord:global:last"

// DiscordGlobalCooldownUntil is the global cooldown-until key.
const DiscordGlobalCooldownUntil = "discord:global:cooldown_until"

// DiscordGate is the per-channel serialization gate key.
func DiscordGate(channel string) string { return fmt.Sprintf("discord:gate:%s", channel) }
