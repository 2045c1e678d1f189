//go:build mdns

package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"opsbridge/internal/domain"
)

const (
	mdnsServiceType = "_opsbridge._tcp"
	mdnsDomain      = "local."
	mdnsScanTimeout = 5 * time.Second
)

// MDNSAnnouncer advertises this bridge and discovers peers on the local
// network via mDNS/DNS-SD. Built only with the mdns tag.
type MDNSAnnouncer struct {
	logger *slog.Logger
}

// NewMDNSAnnouncer creates an mDNS announcer.
func NewMDNSAnnouncer(logger *slog.Logger) *MDNSAnnouncer {
	return &MDNSAnnouncer{logger: logger}
}

// NewAnnouncer returns the mDNS announcer when built with the mdns tag.
func NewAnnouncer(logger *slog.Logger) Announcer {
	return NewMDNSAnnouncer(logger)
}

// Advertise registers this bridge on the local network. Blocks until ctx is
// cancelled. Call it in a goroutine.
func (a *MDNSAnnouncer) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(name, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Scan browses for peer bridges on the local network and returns them as
// remote agent descriptors pointed at their /rpc endpoint.
func (a *MDNSAnnouncer) Scan(ctx context.Context) ([]domain.AgentDescriptor, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var found []domain.AgentDescriptor
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, mdnsScanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			desc := entryToDescriptor(entry)
			mu.Lock()
			found = append(found, desc)
			mu.Unlock()
			a.logger.Debug("mdns discovered peer", "id", desc.ID, "endpoint", desc.Endpoint)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]domain.AgentDescriptor, len(found))
	copy(result, found)
	mu.Unlock()

	return result, nil
}

func entryToDescriptor(entry *zeroconf.ServiceEntry) domain.AgentDescriptor {
	var host string
	if len(entry.AddrIPv4) > 0 {
		host = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		host = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	metadata := parseTXTRecords(entry.Text)

	id := metadata["id"]
	if id == "" {
		id = entry.ServiceRecord.Instance
	}

	return domain.AgentDescriptor{
		ID:           id,
		Name:         entry.ServiceRecord.Instance,
		Endpoint:     "http://" + host + "/rpc",
		Capabilities: strings.Split(metadata["capabilities"], ","),
		Metadata:     metadata,
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}
