package server

import (
	"context"

	"opsbridge/internal/domain"
)

// Announcer advertises this bridge on the local network and discovers peers.
type Announcer interface {
	// Advertise blocks until ctx is cancelled. Call it in a goroutine.
	Advertise(ctx context.Context, name string, port int, metadata map[string]string) error
	Scan(ctx context.Context) ([]domain.AgentDescriptor, error)
}

// NoopAnnouncer is used when mDNS support is not compiled in.
type NoopAnnouncer struct{}

func (NoopAnnouncer) Advertise(ctx context.Context, _ string, _ int, _ map[string]string) error {
	<-ctx.Done()
	return nil
}

func (NoopAnnouncer) Scan(context.Context) ([]domain.AgentDescriptor, error) {
	return nil, nil
}
