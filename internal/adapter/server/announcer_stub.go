//go:build !mdns

package server

import "log/slog"

// NewAnnouncer returns the no-op announcer; build with the mdns tag for
// local network discovery.
func NewAnnouncer(_ *slog.Logger) Announcer {
	return NoopAnnouncer{}
}
