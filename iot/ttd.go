package iot

import "math"

// MaxTTDLimit is the longest time till disconnect in seconds, whatever the tenant
// allows. It keeps the waiting window representable as a time.Duration.
const MaxTTDLimit = math.MaxInt32

// EffectiveTTD computes how long a device waits for a command. It returns nil
// if the device does not wait: no TTD requested, or a requested TTD ≤ 0. A positive
// request is clamped to the tenant maximum if the tenant has one, and always
// to MaxTTDLimit.
func EffectiveTTD(requested *int, max *int) *int {
	if requested == nil || *requested <= 0 {
		return nil
	}
	ttd := *requested
	if max != nil && *max < ttd {
		ttd = *max
	}
	if ttd > MaxTTDLimit {
		ttd = MaxTTDLimit
	}
	if ttd <= 0 {
		return nil
	}
	return &ttd
}
