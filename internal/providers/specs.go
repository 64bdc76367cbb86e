package providers

import (
	"sort"
	"strings"
)

// AuthStyle says where the API key travels
type AuthStyle int

const (
	// AuthBearer sends "Authorization: Bearer <key>"
	AuthBearer AuthStyle = iota
	// AuthHeader sends the key in Spec.AuthHeader
	AuthHeader
	// AuthQuery appends ?key=<key> to the URL
	AuthQuery
	// AuthOptionalBearer sends a bearer token only when a key is configured
	AuthOptionalBearer
)

// PromptStyle selects the prompt template
type PromptStyle string

const (
	PromptComprehensive PromptStyle = "comprehensive"
	PromptSimple        PromptStyle = "simple"
	PromptXML           PromptStyle = "xml"
)

// Spec is the wire description of one provider
type Spec struct {
	Name         string
	BaseURL      string
	Endpoint     string // may contain {model}
	DefaultModel string
	Auth         AuthStyle
	AuthHeader   string
	Headers      map[string]string
	Prompt       PromptStyle
	// BuildBody returns the JSON request body
	BuildBody func(prompt, model string) map[string]interface{}
	// TextPaths are gjson paths tried in order for the generated text
	TextPaths []string
	// HealthPath, when set, is probed with GET by HealthCheck
	HealthPath string
	// DefaultTimeoutMs applies when the provider config has no timeout
	DefaultTimeoutMs int
}

const (
	jsonOnlyPreamble = "You are an expert code analyst. Return only valid JSON."
	openAIPreamble   = "You are an expert software engineer analyzing code commits. Always respond with valid JSON only."
	chatTextPath     = "choices.0.message.content"
)

// chatBody is the OpenAI-compatible chat completion body
func chatBody(system string, extra map[string]interface{}) func(prompt, model string) map[string]interface{} {
	return func(prompt, model string) map[string]interface{} {
		body := map[string]interface{}{
			"model": model,
			"messages": []map[string]string{
				{"role": "system", "content": system},
				{"role": "user", "content": prompt},
			},
			"temperature": 0.3,
			"max_tokens":  2048,
		}
		for k, v := range extra {
			body[k] = v
		}
		return body
	}
}

func chatSpec(name, baseURL, endpoint, model, system string) Spec {
	return Spec{
		Name:         name,
		BaseURL:      baseURL,
		Endpoint:     endpoint,
		DefaultModel: model,
		Auth:         AuthBearer,
		Prompt:       PromptComprehensive,
		BuildBody:    chatBody(system, nil),
		TextPaths:    []string{chatTextPath},
	}
}

var specs = map[string]Spec{
	"hf-space": {
		Name:     "hf-space",
		Endpoint: "/api/infer",
		Auth:     AuthOptionalBearer,
		Prompt:   PromptComprehensive,
		BuildBody: func(prompt, _ string) map[string]interface{} {
			return map[string]interface{}{"prompt": prompt}
		},
		TextPaths:        []string{"report", "output"},
		HealthPath:       "/health",
		DefaultTimeoutMs: 30000,
	},
	"gemini": {
		Name:         "gemini",
		BaseURL:      "https://generativelanguage.googleapis.com",
		Endpoint:     "/v1beta/models/{model}:generateContent",
		DefaultModel: "gemini-2.5-flash",
		Auth:         AuthQuery,
		Prompt:       PromptXML,
		BuildBody: func(prompt, _ string) map[string]interface{} {
			return map[string]interface{}{
				"contents": []map[string]interface{}{
					{"parts": []map[string]string{{"text": prompt}}},
				},
				// Gemini 3 models expect temperature 1.0.
				"generationConfig": map[string]interface{}{
					"temperature":     1.0,
					"topK":            40,
					"topP":            0.95,
					"maxOutputTokens": 4096,
				},
			}
		},
		TextPaths: []string{"candidates.0.content.parts.0.text"},
	},
	"openai": func() Spec {
		s := chatSpec("openai", "https://api.openai.com", "/v1/chat/completions", "gpt-4-turbo-preview", openAIPreamble)
		s.BuildBody = chatBody(openAIPreamble, map[string]interface{}{
			"response_format": map[string]string{"type": "json_object"},
		})
		return s
	}(),
	"anthropic": {
		Name:         "anthropic",
		BaseURL:      "https://api.anthropic.com",
		Endpoint:     "/v1/messages",
		DefaultModel: "claude-3-5-sonnet-20241022",
		Auth:         AuthHeader,
		AuthHeader:   "x-api-key",
		Headers:      map[string]string{"anthropic-version": "2023-06-01"},
		Prompt:       PromptComprehensive,
		BuildBody: func(prompt, model string) map[string]interface{} {
			return map[string]interface{}{
				"model":       model,
				"max_tokens":  2048,
				"temperature": 0.3,
				"messages":    []map[string]string{{"role": "user", "content": prompt}},
			}
		},
		TextPaths: []string{"content.0.text"},
	},
	"cohere": {
		Name:         "cohere",
		BaseURL:      "https://api.cohere.ai",
		Endpoint:     "/v1/chat",
		DefaultModel: "command-r-plus",
		Auth:         AuthBearer,
		Prompt:       PromptComprehensive,
		BuildBody: func(prompt, model string) map[string]interface{} {
			return map[string]interface{}{
				"model":       model,
				"message":     prompt,
				"temperature": 0.3,
				"max_tokens":  2048,
				"preamble":    "You are an expert software engineer. Respond with valid JSON only.",
			}
		},
		TextPaths: []string{"text"},
	},
	"deepseek": chatSpec("deepseek", "https://api.deepseek.com", "/v1/chat/completions", "deepseek-chat",
		jsonOnlyPreamble),
	"groq": func() Spec {
		s := chatSpec("groq", "https://api.groq.com/openai", "/v1/chat/completions", "mixtral-8x7b-32768",
			"Return valid JSON only.")
		s.Prompt = PromptSimple
		return s
	}(),
	"openrouter": chatSpec("openrouter", "https://openrouter.ai/api", "/v1/chat/completions", "anthropic/claude-3.5-sonnet",
		jsonOnlyPreamble),
	"mistral": chatSpec("mistral", "https://api.mistral.ai", "/v1/chat/completions", "mistral-large-latest",
		jsonOnlyPreamble),
	"perplexity": chatSpec("perplexity", "https://api.perplexity.ai", "/chat/completions", "llama-3.1-sonar-large-128k-online",
		jsonOnlyPreamble),
	"together": chatSpec("together", "https://api.together.xyz", "/v1/chat/completions", "meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo",
		jsonOnlyPreamble),
}

// LookupSpec returns the spec registered under name
func LookupSpec(name string) (Spec, bool) {
	s, ok := specs[strings.ToLower(name)]
	return s, ok
}

// Names lists every known provider, sorted
func Names() []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
