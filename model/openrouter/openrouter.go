// Package openrouter provides a model.Model for OpenRouter. OpenRouter speaks
// the OpenAI Chat Completions protocol, so the adapter reuses the openai
// package with a different base URL and OpenRouter's provider routing
// preferences attached to every request.
package openrouter

import (
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/openai/openai-go/option"
)

// DefaultBaseURL is the OpenRouter API endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Options configures the OpenRouter adapter.
type Options struct {
	// Model uses the vendor/model form, e.g. "anthropic/claude-3.5-sonnet".
	Model       string
	Temperature *float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string

	// Order lists upstream providers to try in order.
	Order []string
	// AllowFallbacks lets OpenRouter route to providers outside Order.
	// Left to the OpenRouter default when nil.
	AllowFallbacks *bool

	// AppName and SiteURL identify the calling application on the
	// OpenRouter dashboard.
	AppName string
	SiteURL string

	// RequestOptions are applied after the routing options.
	RequestOptions []option.RequestOption
}

// NewModel creates an OpenRouter model.
func NewModel(optFns ...func(o *Options)) *openai.Model {
	opts := Options{
		Model:   "openai/gpt-4o-mini",
		BaseURL: DefaultBaseURL,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return openai.NewModel(func(o *openai.Options) {
		o.Model = opts.Model
		o.Temperature = opts.Temperature
		o.MaxCompletionTokens = opts.MaxTokens
		o.APIKey = opts.APIKey
		o.BaseURL = opts.BaseURL
		o.Provider = string(model.ProviderOpenRouter)
		o.RequestOptions = requestOptions(opts)
	})
}

func requestOptions(opts Options) []option.RequestOption {
	var reqOpts []option.RequestOption

	if routing := routingPreferences(opts); routing != nil {
		reqOpts = append(reqOpts, option.WithJSONSet("provider", routing))
	}
	if opts.AppName != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", opts.AppName))
	}
	if opts.SiteURL != "" {
		reqOpts = append(reqOpts, option.WithHeader("HTTP-Referer", opts.SiteURL))
	}

	return append(reqOpts, opts.RequestOptions...)
}

func routingPreferences(opts Options) map[string]any {
	if len(opts.Order) == 0 && opts.AllowFallbacks == nil {
		return nil
	}

	prefs := map[string]any{}
	if len(opts.Order) > 0 {
		prefs["order"] = opts.Order
	}
	if opts.AllowFallbacks != nil {
		prefs["allow_fallbacks"] = *opts.AllowFallbacks
	}
	return prefs
}
