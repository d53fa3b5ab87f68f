package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RemoteConfigURLEnv overrides the config file with a remote JSON source.
const RemoteConfigURLEnv = "XBP_REMOTE_CONFIG_URL"

const maxRemoteConfigBytes = 8 << 20

// Load resolves the active config source: the remote URL when
// XBP_REMOTE_CONFIG_URL is set, else the file passed on the CLI. The same
// function backs startup and reload so both observe identical semantics.
func Load(ctx context.Context, path string, client *http.Client) (*Config, error) {
	if url := os.Getenv(RemoteConfigURLEnv); url != "" {
		return LoadRemote(ctx, url, client)
	}
	return LoadFile(path)
}

// LoadFile reads, env-expands, parses and validates a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadRemote fetches the config as JSON from an https:// URL, env-expands
// and validates it.
func LoadRemote(ctx context.Context, url string, client *http.Client) (*Config, error) {
	if !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("remote config url must use https, got %q", url)
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build remote config request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote config: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote config returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteConfigBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read remote config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(ExpandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse remote config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote configuration: %w", err)
	}
	return cfg, nil
}

// ExpandEnv substitutes ${VAR} references in the raw config text. Only
// plain ${NAME} forms are touched; the engine's own ${{ ... }} tokens pass
// through untouched so they can be resolved per run.
func ExpandEnv(data []byte) []byte {
	text := string(data)
	var b strings.Builder
	for {
		idx := strings.Index(text, "${")
		if idx < 0 {
			b.WriteString(text)
			return []byte(b.String())
		}
		b.WriteString(text[:idx])
		rest := text[idx+2:]

		// ${{ opens a runtime token, not an env reference.
		if strings.HasPrefix(rest, "{") {
			b.WriteString("${{")
			end := strings.Index(rest, "}}")
			if end < 0 {
				b.WriteString(rest[1:])
				return []byte(b.String())
			}
			b.WriteString(rest[1 : end+2])
			text = rest[end+2:]
			continue
		}

		end := strings.Index(rest, "}")
		if end < 0 || !validEnvName(rest[:end]) {
			b.WriteString("${")
			text = rest
			continue
		}
		b.WriteString(os.Getenv(rest[:end]))
		text = rest[end+1:]
	}
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
