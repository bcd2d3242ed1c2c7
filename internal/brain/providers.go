package brain

import (
	"encoding/json"
	"fmt"
)

// NewOpenAI creates an OpenAI chat-completions provider.
func NewOpenAI(apiKey, model string) *HTTPProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return NewHTTPProvider(&ProviderConfig{
		Name:       "openai",
		Endpoint:   "https://api.openai.com/v1/chat/completions",
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "Authorization",
		AuthPrefix: "Bearer ",
		BuildBody: func(cfg *ProviderConfig, req Request) map[string]any {
			messages := []map[string]string{}
			if req.SystemPrompt != "" {
				messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
			}
			messages = append(messages, map[string]string{"role": "user", "content": req.UserPrompt})
			body := map[string]any{
				"model":    cfg.Model,
				"messages": messages,
			}
			if req.MaxTokens > 0 {
				body["max_tokens"] = req.MaxTokens
			}
			return body
		},
		ParseResponse: parseOpenAIResponse,
	})
}

func parseOpenAIResponse(body []byte) (string, string, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("openai response has no choices")
	}
	return resp.Choices[0].Message.Content, resp.Model, nil
}

// NewAnthropic creates an Anthropic messages provider.
func NewAnthropic(apiKey, model string) *HTTPProvider {
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return NewHTTPProvider(&ProviderConfig{
		Name:       "anthropic",
		Endpoint:   "https://api.anthropic.com/v1/messages",
		APIKey:     apiKey,
		Model:      model,
		AuthHeader: "x-api-key",
		ExtraHeaders: map[string]string{
			"anthropic-version": "2023-06-01",
		},
		BuildBody: func(cfg *ProviderConfig, req Request) map[string]any {
			maxTokens := req.MaxTokens
			if maxTokens == 0 {
				maxTokens = 1024
			}
			body := map[string]any{
				"model":      cfg.Model,
				"max_tokens": maxTokens,
				"messages": []map[string]string{
					{"role": "user", "content": req.UserPrompt},
				},
			}
			if req.SystemPrompt != "" {
				body["system"] = req.SystemPrompt
			}
			return body
		},
		ParseResponse: parseAnthropicResponse,
	})
}

func parseAnthropicResponse(body []byte) (string, string, error) {
	var resp struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decode anthropic response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", "", fmt.Errorf("anthropic response has no content")
	}
	return resp.Content[0].Text, resp.Model, nil
}

// NewOllama creates a local Ollama provider. Keyless: available as long
// as the daemon answers, which classification treats as fail-closed on
// error anyway.
func NewOllama(endpoint, model string) *HTTPProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	return NewHTTPProvider(&ProviderConfig{
		Name:     "ollama",
		Endpoint: endpoint + "/api/generate",
		Model:    model,
		Keyless:  true,
		BuildBody: func(cfg *ProviderConfig, req Request) map[string]any {
			prompt := req.UserPrompt
			if req.SystemPrompt != "" {
				prompt = req.SystemPrompt + "\n\n" + req.UserPrompt
			}
			return map[string]any{
				"model":  cfg.Model,
				"prompt": prompt,
				"stream": false,
				"format": "json",
			}
		},
		ParseResponse: parseOllamaResponse,
	})
}

func parseOllamaResponse(body []byte) (string, string, error) {
	var resp struct {
		Model    string `json:"model"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", fmt.Errorf("decode ollama response: %w", err)
	}
	return resp.Response, resp.Model, nil
}
