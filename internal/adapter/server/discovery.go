package server

import (
	"net/http"
	"sort"

	"opsbridge/internal/adapter/codec"
	"opsbridge/internal/domain"
)

// AgentCard is the discovery document served at /.well-known/agent.json. It
// describes the bridge host and the capabilities reachable through it.
type AgentCard struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities"`
	Endpoints       struct {
		RPC    string `json:"rpc"`
		Stream string `json:"stream"`
	} `json:"endpoints"`
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card := AgentCard{
		Name:            s.host.Name,
		Description:     s.host.Description,
		ProtocolVersion: codec.ProtocolVersion,
		Capabilities:    aggregateCapabilities(s.registry.List()),
	}
	card.Endpoints.RPC = "/rpc"
	card.Endpoints.Stream = "/ws"
	writeJSON(w, http.StatusOK, card, s.logger)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.registry.List(),
	}, s.logger)
}

// aggregateCapabilities returns the sorted union of every registered agent's
// capability tags.
func aggregateCapabilities(agents []domain.AgentDescriptor) []string {
	seen := make(map[string]struct{})
	for _, a := range agents {
		for _, c := range a.Capabilities {
			seen[c] = struct{}{}
		}
	}
	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}
