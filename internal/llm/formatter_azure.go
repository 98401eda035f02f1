package llm

import "fmt"

// AzureFormatter reuses OpenAI's request/response shapes — Azure OpenAI
// Service exposes the same chat-completions schema — but needs its own
// deployment-scoped endpoint and an api-key header instead of a bearer
// token.
type AzureFormatter struct {
	OpenAIFormatter
	APIVersion string
}

// NewAzureFormatter constructs an AzureFormatter with a sensible default
// API version.
func NewAzureFormatter() *AzureFormatter {
	return &AzureFormatter{APIVersion: "2024-06-01"}
}

func (f *AzureFormatter) Name() string { return "azure" }

// Endpoint builds Azure's deployment-scoped completions URL. baseURL is
// expected to be the resource endpoint (e.g.
// "https://my-resource.openai.azure.com") and model is used as the
// deployment name, matching Azure's routing convention.
func (f *AzureFormatter) Endpoint(baseURL, model string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", baseURL, model, f.APIVersion)
}

func (f *AzureFormatter) Headers(apiKey string) map[string]string {
	return map[string]string{"api-key": apiKey}
}

var _ Formatter = (*AzureFormatter)(nil)
