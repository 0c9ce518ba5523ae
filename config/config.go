// Package config loads and validates gateway configuration: the HTTP
// server settings, the upstream provider accounts, and the alias table
// the router resolves against.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/leofalp/relay/protocol"
	"github.com/leofalp/relay/router"
)

// envPrefix is the override namespace: RELAY_SERVER_PORT -> server.port.
const envPrefix = "RELAY_"

// Config is the top-level gateway configuration.
type Config struct {
	Server    Server              `koanf:"server"`
	Providers map[string]Provider `koanf:"providers"`
	Aliases   map[string][]Target `koanf:"aliases"`
}

// Server holds HTTP server settings.
type Server struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Provider is one upstream account: the dialect it speaks, where it
// lives, and how to authenticate against it.
type Provider struct {
	APIType string            `koanf:"api_type"` // chat, messages, gemini, responses
	BaseURL string            `koanf:"base_url"`
	APIKey  string            `koanf:"api_key"`
	Headers map[string]string `koanf:"headers"`
}

// Target is one destination of an alias.
type Target struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	Endpoint string `koanf:"endpoint"` // optional path override
	Pricing  string `koanf:"pricing"`  // opaque hint for the usage sink
}

// Load reads the YAML file at path, overlays RELAY_-prefixed environment
// variables, expands ${VAR} placeholders in secrets, and validates the
// result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expandSecret(p.APIKey)
		for key, value := range p.Headers {
			p.Headers[key] = expandSecret(value)
		}
		cfg.Providers[name] = p
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSecret resolves a ${VAR} placeholder against the process
// environment; plain values pass through.
func expandSecret(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(value[2 : len(value)-1])
	}
	return value
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Streams hold the response open far longer than a unary call.
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
}

var validAPITypes = map[string]protocol.APIType{
	string(protocol.APITypeChat):      protocol.APITypeChat,
	string(protocol.APITypeMessages):  protocol.APITypeMessages,
	string(protocol.APITypeGemini):    protocol.APITypeGemini,
	string(protocol.APITypeResponses): protocol.APITypeResponses,
}

func (c *Config) validate() error {
	for name, p := range c.Providers {
		if _, ok := validAPITypes[p.APIType]; !ok {
			return fmt.Errorf("provider %q: unknown api_type %q", name, p.APIType)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
	}
	for alias, targets := range c.Aliases {
		if len(targets) == 0 {
			return fmt.Errorf("alias %q: no targets", alias)
		}
		for _, target := range targets {
			if _, ok := c.Providers[target.Provider]; !ok {
				return fmt.Errorf("alias %q: unknown provider %q", alias, target.Provider)
			}
			if target.Model == "" {
				return fmt.Errorf("alias %q: target for provider %q has no model", alias, target.Provider)
			}
		}
	}
	return nil
}

// RouterTable converts the alias section into the router's target table.
func (c *Config) RouterTable() map[string][]router.Target {
	table := make(map[string][]router.Target, len(c.Aliases))
	for alias, targets := range c.Aliases {
		resolved := make([]router.Target, 0, len(targets))
		for _, target := range targets {
			provider := c.Providers[target.Provider]
			resolved = append(resolved, router.Target{
				Provider:         target.Provider,
				ProviderModelID:  target.Model,
				EgressAPIType:    validAPITypes[provider.APIType],
				EndpointOverride: target.Endpoint,
				PricingHint:      target.Pricing,
			})
		}
		table[alias] = resolved
	}
	return table
}

// BrokerHeaders converts provider auth settings into per-provider header
// sets for the static key broker. The API key lands on the header the
// provider's dialect conventionally uses.
func (c *Config) BrokerHeaders() map[string]http.Header {
	out := make(map[string]http.Header, len(c.Providers))
	for name, p := range c.Providers {
		headers := http.Header{}
		if p.APIKey != "" {
			switch p.APIType {
			case string(protocol.APITypeMessages):
				headers.Set("x-api-key", p.APIKey)
				headers.Set("anthropic-version", "2023-06-01")
			case string(protocol.APITypeGemini):
				headers.Set("x-goog-api-key", p.APIKey)
			default:
				headers.Set("Authorization", "Bearer "+p.APIKey)
			}
		}
		for key, value := range p.Headers {
			headers.Set(key, value)
		}
		out[name] = headers
	}
	return out
}
