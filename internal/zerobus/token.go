package zerobus

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/otbridge/otbridge/pkg/models"
)

// TokenURL derives the OIDC token endpoint from the workspace host.
func TokenURL(workspaceHost string) string {
	host := strings.TrimRight(workspaceHost, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return host + "/oidc/v1/token"
}

// NewTokenSource builds a cached client-credentials token source. The
// returned source refreshes before expiry and reuses the token otherwise.
// The secret is passed by value here and nowhere else; it never appears in
// config structs or logs.
func NewTokenSource(ctx context.Context, cfg models.ZerobusConfig, clientSecret string) (oauth2.TokenSource, error) {
	if cfg.Auth.ClientID == "" {
		return nil, models.NewError(models.KindAuthFailed, "client_id is required")
	}

	httpClient, err := proxiedHTTPClient(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	cc := clientcredentials.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: clientSecret,
		TokenURL:     TokenURL(cfg.WorkspaceHost),
		Scopes:       []string{"all-apis"},
	}
	return oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx)), nil
}

// proxiedHTTPClient honors the configured proxy, falling back to the
// HTTP_PROXY/HTTPS_PROXY/NO_PROXY environment when use_env_vars is set.
func proxiedHTTPClient(proxy *models.ProxyConfig) (*http.Client, error) {
	transport := &http.Transport{}
	switch {
	case proxy != nil && proxy.URL != "":
		u, err := url.Parse(proxy.URL)
		if err != nil {
			return nil, models.WrapError(models.KindConfigInvalid, "parse proxy url", err)
		}
		transport.Proxy = http.ProxyURL(u)
	case proxy != nil && proxy.UseEnvVars:
		transport.Proxy = http.ProxyFromEnvironment
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
}
