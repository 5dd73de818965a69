package llm

import (
	"net/http"
	"sync"
)

// Provider translates the client's profile-level Request into one API's
// wire format. Implementations register themselves from an init func;
// Endpoint.Provider selects one by name.
type Provider interface {
	// Name is the identifier endpoints reference ("anthropic", "openai").
	Name() string

	// URL resolves the completion endpoint, honoring the endpoint's
	// base URL override.
	URL(baseURL string) string

	// Authorize sets authentication and version headers, reading API
	// keys from the environment.
	Authorize(req *http.Request)

	// EncodeRequest renders req for the endpoint's model.
	EncodeRequest(ep Endpoint, req Request) ([]byte, error)

	// DecodeResponse parses a successful response body; ep fills in
	// fields the API omits.
	DecodeResponse(body []byte, ep Endpoint) (*Response, error)
}

// MaxTokensFor resolves the completion token ceiling: the request's
// explicit value wins, then the endpoint's, then the provider fallback.
func (ep Endpoint) MaxTokensFor(req Request, fallback int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if ep.MaxTokens > 0 {
		return ep.MaxTokens
	}
	return fallback
}

var (
	providerMu sync.RWMutex
	providers  = make(map[string]Provider)
)

// RegisterProvider adds a provider under its Name. Called from provider
// init funcs; last registration wins.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providers[p.Name()] = p
}

// LookupProvider finds a registered provider by name.
func LookupProvider(name string) (Provider, bool) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	p, ok := providers[name]
	return p, ok
}
