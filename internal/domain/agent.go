package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// AgentDescriptor describes a specialist agent known to the registry.
// Descriptors are validated once at registration; every later consumer
// (router, dispatcher, discovery document) trusts the stored value.
type AgentDescriptor struct {
	ID           string            `json:"id"                     yaml:"id"`
	Name         string            `json:"name"                   yaml:"name"`
	Description  string            `json:"description,omitempty"  yaml:"description,omitempty"`
	Capabilities []string          `json:"capabilities"           yaml:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"     yaml:"endpoint,omitempty"`
	Local        bool              `json:"local"                  yaml:"local"`
	Metadata     map[string]string `json:"metadata,omitempty"     yaml:"metadata,omitempty"`
}

// Validate checks the descriptor's structural invariants. The registry calls
// this before storing the descriptor.
func (d AgentDescriptor) Validate() error {
	if d.ID == "" {
		return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput, "empty agent id")
	}
	if strings.ContainsAny(d.ID, " \t\n") {
		return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput,
			fmt.Sprintf("agent id %q contains whitespace", d.ID))
	}
	for _, tag := range d.Capabilities {
		if !validCapabilityTag(tag) {
			return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput,
				fmt.Sprintf("invalid capability tag %q", tag))
		}
	}
	if !d.Local {
		if d.Endpoint == "" {
			return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput,
				fmt.Sprintf("remote agent %q has no endpoint", d.ID))
		}
		u, err := url.Parse(d.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewDomainError("AgentDescriptor.Validate", ErrInvalidInput,
				fmt.Sprintf("remote agent %q has invalid endpoint %q", d.ID, d.Endpoint))
		}
	}
	return nil
}

// HasCapability reports whether the descriptor carries the given tag.
func (d AgentDescriptor) HasCapability(tag string) bool {
	for _, t := range d.Capabilities {
		if t == tag {
			return true
		}
	}
	return false
}

// validCapabilityTag accepts lowercase alphanumerics plus '_' and '-'.
// Tags are matched byte-for-byte, so registration enforces a canonical form.
func validCapabilityTag(tag string) bool {
	if tag == "" {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// TaskRouter selects the agent that should handle a request. Route is a pure
// function of the request text and the registry snapshot passed to it; it
// holds no state and never mutates its inputs.
type TaskRouter interface {
	Route(requestText string, agents []AgentDescriptor) (AgentDescriptor, error)
}
