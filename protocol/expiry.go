package protocol

import "time"

// Pings go stale fast; schedule events must survive a consumer restart.
var defaultTTLs = map[string]time.Duration{
	TypeLocationPing: 2 * time.Minute,

	TypeJobStatus:         30 * time.Minute,
	TypeJobStatusRejected: 30 * time.Minute,

	TypeRouteUpdate: 12 * time.Hour,

	TypeScheduleEvent: 7 * 24 * time.Hour,
}

// FallbackTTL is used when no specific TTL is configured.
const FallbackTTL = 10 * time.Minute

func DefaultTTLFor(msgType string) time.Duration {
	if ttl, ok := defaultTTLs[msgType]; ok {
		return ttl
	}
	return FallbackTTL
}

func IsExpired(env *Envelope) bool {
	if env.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(env.ExpiresAt)
}

// IsExpiredHeader checks expiry using only the raw header.
func IsExpiredHeader(hdr *RawHeader) bool {
	if hdr.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().UTC().After(hdr.ExpiresAt)
}
