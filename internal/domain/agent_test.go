package domain

import (
	"errors"
	"testing"
)

func TestAgentDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    AgentDescriptor
		wantErr bool
	}{
		{
			name: "valid local agent",
			desc: AgentDescriptor{
				ID:           "infra",
				Name:         "Infrastructure Agent",
				Capabilities: []string{"infrastructure", "disk"},
				Local:        true,
			},
		},
		{
			name: "valid remote agent",
			desc: AgentDescriptor{
				ID:           "secops",
				Capabilities: []string{"security_alerts"},
				Endpoint:     "http://secops.internal:8002",
			},
		},
		{
			name: "valid with empty capabilities",
			desc: AgentDescriptor{ID: "general", Local: true},
		},
		{
			name:    "empty id",
			desc:    AgentDescriptor{Local: true},
			wantErr: true,
		},
		{
			name:    "id with whitespace",
			desc:    AgentDescriptor{ID: "infra agent", Local: true},
			wantErr: true,
		},
		{
			name: "uppercase capability tag",
			desc: AgentDescriptor{
				ID:           "infra",
				Capabilities: []string{"Disk"},
				Local:        true,
			},
			wantErr: true,
		},
		{
			name: "empty capability tag",
			desc: AgentDescriptor{
				ID:           "infra",
				Capabilities: []string{""},
				Local:        true,
			},
			wantErr: true,
		},
		{
			name:    "remote agent without endpoint",
			desc:    AgentDescriptor{ID: "secops"},
			wantErr: true,
		},
		{
			name: "remote agent with schemeless endpoint",
			desc: AgentDescriptor{
				ID:       "secops",
				Endpoint: "secops.internal:8002",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAgentDescriptorHasCapability(t *testing.T) {
	desc := AgentDescriptor{
		ID:           "infra",
		Capabilities: []string{"infrastructure", "disk"},
	}
	if !desc.HasCapability("disk") {
		t.Error("expected HasCapability(disk) = true")
	}
	if desc.HasCapability("security_alerts") {
		t.Error("expected HasCapability(security_alerts) = false")
	}

	var empty AgentDescriptor
	if empty.HasCapability("anything") {
		t.Error("zero-value descriptor should have no capabilities")
	}
}
