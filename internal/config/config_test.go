package config

import (
	"strings"
	"testing"
	"time"

	gateway "github.com/switchyardio/switchyard/internal"
)

const validYAML = `
httpserver:
  port: 9090
  apikey: secret
providers:
  openai:
    base_url: https://api.openai.com/v1
    protocol: chat
    auth:
      keys:
        primary: {value: sk-1, priority_tier: 0}
        backup: {value: sk-2, priority_tier: 1}
    models:
      gpt-4o: {max_tokens: 128000}
  zhipu:
    base_url: https://open.bigmodel.cn/api/paas/v4
    protocol: chat
    auth:
      keys:
        k1: {value: z-1}
    models:
      glm-4.6: {max_tokens: 200000, supports_streaming: false}
routing:
  default: [openai.gpt-4o]
  longContext: [zhipu.glm-4.6, openai.gpt-4o.backup]
`

func mustParse(t *testing.T, yml string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg := mustParse(t, validYAML)

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	// Unset sections keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Pipeline.MaxRetriesPerRoute != 3 {
		t.Errorf("max retries = %d", cfg.Pipeline.MaxRetriesPerRoute)
	}
	if cfg.ToolLoop.MaxToolLoops != 4 || cfg.ToolLoop.SessionTTL != 10*time.Minute {
		t.Errorf("toolloop = %+v", cfg.ToolLoop)
	}
	if cfg.Classification.LongContextThresholdTokens != 60_000 {
		t.Errorf("classification defaults missing: %+v", cfg.Classification)
	}
	if cfg.StateDir != "state" {
		t.Errorf("state dir = %q", cfg.StateDir)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{
			"no providers",
			func(c *Config) { c.Providers = nil },
			"no providers",
		},
		{
			"missing base url",
			func(c *Config) {
				p := c.Providers["openai"]
				p.BaseURL = ""
				c.Providers["openai"] = p
			},
			"base_url required",
		},
		{
			"unknown protocol",
			func(c *Config) {
				p := c.Providers["openai"]
				p.Protocol = "grpc"
				c.Providers["openai"] = p
			},
			"unknown protocol",
		},
		{
			"no keys",
			func(c *Config) {
				p := c.Providers["openai"]
				p.Auth.Keys = nil
				c.Providers["openai"] = p
			},
			"auth key required",
		},
		{
			"no models",
			func(c *Config) {
				p := c.Providers["openai"]
				p.Models = nil
				c.Providers["openai"] = p
			},
			"model required",
		},
		{
			"missing default route",
			func(c *Config) { delete(c.Routing, "default") },
			"default route required",
		},
		{
			"empty route",
			func(c *Config) { c.Routing["coding"] = nil },
			"no targets",
		},
		{
			"bad target",
			func(c *Config) { c.Routing["coding"] = []string{"openai.gpt-5"} },
			"unknown model",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustParse(t, validYAML)
			tt.edit(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	cfg := mustParse(t, validYAML)

	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "openai.gpt-4o", want: Target{ProviderID: "openai", Model: "gpt-4o"}},
		{in: "openai.gpt-4o.backup", want: Target{ProviderID: "openai", Model: "gpt-4o", KeyAlias: "backup"}},
		// Dotted model names resolve whole-rest-first.
		{in: "zhipu.glm-4.6", want: Target{ProviderID: "zhipu", Model: "glm-4.6"}},
		{in: "zhipu.glm-4.6.k1", want: Target{ProviderID: "zhipu", Model: "glm-4.6", KeyAlias: "k1"}},
		{in: "nope.gpt-4o", wantErr: true},
		{in: "openai.gpt-5", wantErr: true},
		{in: "openai.gpt-4o.nokey", wantErr: true},
		{in: "openai", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cfg.ParseTarget(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTarget(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTargetRef(t *testing.T) {
	if got := (Target{ProviderID: "p", Model: "m"}).Ref(); got != "p.m" {
		t.Errorf("Ref() = %q", got)
	}
	if got := (Target{ProviderID: "p", Model: "m", KeyAlias: "k"}).Ref(); got != "p.m.k" {
		t.Errorf("Ref() = %q", got)
	}
}

func TestPoolTargets(t *testing.T) {
	cfg := mustParse(t, validYAML)

	targets, err := cfg.PoolTargets(gateway.Route("longContext"))
	if err != nil {
		t.Fatalf("PoolTargets: %v", err)
	}
	if len(targets) != 2 || targets[0].ProviderID != "zhipu" || targets[1].KeyAlias != "backup" {
		t.Errorf("targets = %+v", targets)
	}

	if _, err := cfg.PoolTargets(gateway.Route("vision")); err == nil {
		t.Error("unconfigured route must error")
	}
}

func TestKeyAliasesOrdering(t *testing.T) {
	p := ProviderEntry{Auth: ProviderAuth{Keys: map[string]KeyEntry{
		"zulu":  {PriorityTier: 0},
		"alpha": {PriorityTier: 1},
		"mike":  {PriorityTier: 0},
	}}}
	got := p.KeyAliases()
	want := []string{"mike", "zulu", "alpha"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("KeyAliases() = %v, want %v", got, want)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SWITCHYARD_TEST_KEY", "sk-from-env")

	yml := strings.Replace(validYAML, "value: sk-1", "value: ${SWITCHYARD_TEST_KEY}", 1)
	cfg := mustParse(t, yml)
	if got := cfg.Providers["openai"].Auth.Keys["primary"].Value; got != "sk-from-env" {
		t.Errorf("expanded key = %q", got)
	}

	// Unset variables are left verbatim.
	yml2 := strings.Replace(validYAML, "value: sk-2", "value: ${SWITCHYARD_NOT_SET}", 1)
	cfg2 := mustParse(t, yml2)
	if got := cfg2.Providers["openai"].Auth.Keys["backup"].Value; got != "${SWITCHYARD_NOT_SET}" {
		t.Errorf("unset var = %q", got)
	}
}

func TestModelEntryStreams(t *testing.T) {
	if !(ModelEntry{}).Streams() {
		t.Error("nil supports_streaming must default to true")
	}
	no := false
	if (ModelEntry{SupportsStreaming: &no}).Streams() {
		t.Error("explicit false ignored")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("providers: [not a map")); err == nil {
		t.Error("want parse error")
	}
}
