package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
agents:
  - id: helper
    name: Helper
    description: General purpose assistant
    model: gpt-4o
    system_prompt: You are a helpful assistant.
    auto_approve:
      - read_file
      - list_dir
  - id: research
    name: Research
    model: gpt-4o
`

func TestLoadConfigFile(t *testing.T) {
	cfg := &Config{}
	if err := LoadConfigFile(strings.NewReader(sampleConfig), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}

	helper := cfg.Agents[0]
	if helper.ID != "helper" || helper.Model != "gpt-4o" {
		t.Errorf("unexpected agent: %+v", helper)
	}
	if len(helper.AutoApprove) != 2 || helper.AutoApprove[0] != "read_file" {
		t.Errorf("unexpected auto_approve list: %v", helper.AutoApprove)
	}
	if cfg.Agents[1].SystemPrompt != "" {
		t.Errorf("expected empty system prompt, got %q", cfg.Agents[1].SystemPrompt)
	}
}

func TestLoadConfigFileInvalidYAML(t *testing.T) {
	cfg := &Config{}
	if err := LoadConfigFile(strings.NewReader("agents: [unclosed"), cfg); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigFilePreservesEnvFields(t *testing.T) {
	cfg := &Config{Port: "9090", StreamBufferSize: 42}
	if err := LoadConfigFile(strings.NewReader(sampleConfig), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" || cfg.StreamBufferSize != 42 {
		t.Errorf("file load clobbered env-derived fields: %+v", cfg)
	}
}

func TestAgentByID(t *testing.T) {
	cfg := &Config{Agents: []AgentConfig{{ID: "helper"}, {ID: "research"}}}

	if a, ok := cfg.AgentByID("research"); !ok || a.ID != "research" {
		t.Errorf("lookup failed: (%+v, %v)", a, ok)
	}
	if _, ok := cfg.AgentByID("nope"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{StreamGraceSeconds: 5, ApprovalTimeoutSeconds: 120}

	if got := cfg.StreamGrace(); got != 5*time.Second {
		t.Errorf("StreamGrace() = %v", got)
	}
	if got := cfg.ApprovalTimeout(); got != 2*time.Minute {
		t.Errorf("ApprovalTimeout() = %v", got)
	}
}
