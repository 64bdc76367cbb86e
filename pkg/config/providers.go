package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one text-generation backend. Immutable after load.
type ProviderConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	BaseURL     string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model       string            `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey      string            `json:"-" yaml:"api_key,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout" yaml:"-"`
	RPS         int               `json:"rps,omitempty" yaml:"rps,omitempty"`
	RPM         int               `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	Concurrency int               `json:"concurrency" yaml:"concurrency,omitempty"`
}

// Validate checks the provider quotas
func (p ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Concurrency <= 0 {
		return fmt.Errorf("provider %s: concurrency must be positive", p.Name)
	}
	if p.RPS < 0 || p.RPM < 0 {
		return fmt.Errorf("provider %s: negative rate limit", p.Name)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("provider %s: timeout must be positive", p.Name)
	}
	return nil
}

type providerDefaults struct {
	name        string
	envPrefix   string
	timeoutMs   int
	rps         int
	concurrency int
}

// knownProviders lists every supported provider in default priority order.
var knownProviders = []providerDefaults{
	{name: "hf-space", envPrefix: "HF_SPACE", timeoutMs: 30000, rps: 3, concurrency: 1},
	{name: "gemini", envPrefix: "GEMINI", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "openai", envPrefix: "OPENAI", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "anthropic", envPrefix: "ANTHROPIC", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "cohere", envPrefix: "COHERE", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "deepseek", envPrefix: "DEEPSEEK", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "groq", envPrefix: "GROQ", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "openrouter", envPrefix: "OPENROUTER", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "mistral", envPrefix: "MISTRAL", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "perplexity", envPrefix: "PERPLEXITY", timeoutMs: 15000, rps: 5, concurrency: 2},
	{name: "together", envPrefix: "TOGETHER", timeoutMs: 15000, rps: 5, concurrency: 2},
}

// providerFile is the on-disk shape of PROVIDERS_CONFIG_FILE
type providerFile struct {
	Providers []providerFileEntry `yaml:"providers"`
}

type providerFileEntry struct {
	ProviderConfig `yaml:",inline"`
	TimeoutMs      int `yaml:"timeout_ms,omitempty"`
}

// LoadProviders builds the provider list from <PREFIX>_* environment
// variables, then applies the optional YAML file on top. Entries in the file
// replace environment entries with the same name; new names are appended.
// PROVIDER_ORDER, a comma separated list of names, reorders the result.
func LoadProviders(path string) ([]ProviderConfig, error) {
	providers := make([]ProviderConfig, 0, len(knownProviders))
	for _, d := range knownProviders {
		providers = append(providers, providerFromEnv(d))
	}

	if path != "" {
		fromFile, err := LoadProvidersFile(path)
		if err != nil {
			return nil, err
		}
		providers = mergeProviders(providers, fromFile)
	}

	return orderProviders(providers, getEnvList("PROVIDER_ORDER", nil)), nil
}

func providerFromEnv(d providerDefaults) ProviderConfig {
	p := ProviderConfig{
		Name:        d.name,
		Enabled:     getEnvBool(d.envPrefix+"_ENABLED", false),
		BaseURL:     getEnvString(d.envPrefix+"_BASE_URL", ""),
		Model:       getEnvString(d.envPrefix+"_MODEL", ""),
		APIKey:      getEnvString(d.envPrefix+"_API_KEY", ""),
		Timeout:     getEnvMillis(d.envPrefix+"_TIMEOUT", d.timeoutMs),
		Concurrency: getEnvInt(d.envPrefix+"_CONCURRENCY", d.concurrency),
	}

	// An explicit RPM only applies when RPS is not set.
	rpm := getEnvInt(d.envPrefix+"_RPM", 0)
	p.RPS = getEnvInt(d.envPrefix+"_RPS", 0)
	if p.RPS == 0 {
		if rpm > 0 {
			p.RPM = rpm
		} else {
			p.RPS = d.rps
		}
	}

	if d.name == "hf-space" && p.BaseURL == "" {
		p.BaseURL = getEnvString("HF_SPACE_URL", "")
	}
	if d.name == "openrouter" {
		p.Headers = map[string]string{
			"HTTP-Referer": getEnvString("OPENROUTER_REFERER", "https://commitdiary.com"),
			"X-Title":      getEnvString("OPENROUTER_TITLE", "CommitDiary Stepper"),
		}
	}
	return p
}

// LoadProvidersFile reads provider definitions from a YAML file
func LoadProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return parseProvidersYAML(data)
}

func parseProvidersYAML(data []byte) ([]ProviderConfig, error) {
	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	out := make([]ProviderConfig, 0, len(file.Providers))
	for _, entry := range file.Providers {
		p := entry.ProviderConfig
		p.Timeout = 15 * time.Second
		if entry.TimeoutMs > 0 {
			p.Timeout = time.Duration(entry.TimeoutMs) * time.Millisecond
		}
		if p.Concurrency == 0 {
			p.Concurrency = 2
		}
		if p.RPS == 0 && p.RPM == 0 {
			p.RPS = 5
		}
		// ${VAR} references keep secrets out of the file.
		p.APIKey = os.ExpandEnv(p.APIKey)
		out = append(out, p)
	}
	return out, nil
}

func mergeProviders(base, overrides []ProviderConfig) []ProviderConfig {
	index := make(map[string]int, len(base))
	for i, p := range base {
		index[p.Name] = i
	}
	for _, o := range overrides {
		if i, ok := index[o.Name]; ok {
			base[i] = o
			continue
		}
		index[o.Name] = len(base)
		base = append(base, o)
	}
	return base
}

// orderProviders moves the named providers to the front in the given order.
// Unnamed providers keep their relative order behind them.
func orderProviders(providers []ProviderConfig, order []string) []ProviderConfig {
	if len(order) == 0 {
		return providers
	}
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[strings.ToLower(name)] = i
	}
	sorted := make([]ProviderConfig, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, iok := rank[sorted[i].Name]
		rj, jok := rank[sorted[j].Name]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
	return sorted
}
