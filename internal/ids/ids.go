// Package ids generates the stable identifiers the fabric relies on:
// advertisement ids, function ids, call ids, and participant/service-instance
// GUIDs. All of them are UUIDv4 strings; the point of this package is not
// the generation algorithm (google/uuid already does that) but giving every
// caller in the module the same single source so formats never drift.
package ids

import "github.com/google/uuid"

// New returns a fresh random identifier suitable for any of the fabric's
// id fields (advertisement_id, function_id, call_id, participant GUID).
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s parses as a UUID. Config loading and RPC
// payload decoding do not call it, so ids reaching the discovery cache or
// registry are not validated.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
