package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/imgpipe/imgpipe/internal/credential"
	"github.com/imgpipe/imgpipe/internal/errs"
)

// challenge is a parsed WWW-Authenticate header (§4.4 authentication
// negotiation).
type challenge struct {
	scheme string // "Basic" or "Bearer"
	realm  string
	service string
	scope   string
}

func parseChallenge(header string) (challenge, error) {
	fields := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(fields) != 2 {
		return challenge{}, fmt.Errorf("malformed WWW-Authenticate header %q", header)
	}
	c := challenge{scheme: fields[0]}
	for _, kv := range splitAuthParams(fields[1]) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "realm":
			c.realm = v
		case "service":
			c.service = v
		case "scope":
			c.scope = v
		}
	}
	return c, nil
}

// splitAuthParams splits a comma-separated k=v list without breaking
// apart commas inside quoted values.
func splitAuthParams(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				out = append(out, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}

// tokenKey identifies a cached bearer token: one per (host, scope)
// pair, the scope naming the repository (§4.4).
type tokenKey struct {
	host  string
	scope string
}

// tokenCache caches bearer tokens in-process. Basic auth credentials
// are not cached here; they're re-sent on every request (cheap, and
// avoids a stale-password class of bug).
type tokenCache struct {
	mu     sync.Mutex
	tokens map[tokenKey]string
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[tokenKey]string)}
}

func (t *tokenCache) get(k tokenKey) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.tokens[k]
	return tok, ok
}

func (t *tokenCache) put(k tokenKey, tok string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[k] = tok
}

func (t *tokenCache) invalidate(k tokenKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, k)
}

// authenticator resolves and applies authentication for one request,
// caching bearer tokens per (host, scope) across calls. fetchGroup
// coalesces concurrent token fetches for the same (host, scope): ten
// parallel 401s on the same repository result in exactly one request
// to the token endpoint, the rest waiting on and sharing that result.
type authenticator struct {
	creds          credential.Chain
	tokens         *tokenCache
	client         *http.Client
	allowCredsHTTP bool
	fetchGroup     singleflight.Group
}

func newAuthenticator(creds credential.Chain, client *http.Client, allowCredsHTTP bool) *authenticator {
	return &authenticator{creds: creds, tokens: newTokenCache(), client: client, allowCredsHTTP: allowCredsHTTP}
}

// applyCached attaches a previously cached bearer token for (host,
// scope), if any, so repeat requests to the same repo skip the token
// endpoint round trip.
func (a *authenticator) applyCached(req *http.Request, scope string) {
	if req.URL.Scheme == "http" && !a.allowCredsHTTP {
		return
	}
	tok, ok := a.tokens.get(tokenKey{host: req.URL.Hostname(), scope: scope})
	if ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// handleChallenge parses a 401 response's WWW-Authenticate header and
// prepares a retry of origReq that satisfies it. scope identifies the
// resource being accessed (e.g. "repository:name:pull,push"), used both
// to request the right bearer scope and to key the token cache.
func (a *authenticator) handleChallenge(ctx context.Context, resp *http.Response, origReq *http.Request, host, scope string) (*http.Request, error) {
	if origReq.URL.Scheme == "http" && !a.allowCredsHTTP {
		return nil, &errs.ConfigurationError{Field: "sendCredentialsOverHttp", Problem: "registry requires authentication but credentials over plain HTTP are disabled"}
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil, &errs.RegistryUnauthorizedError{Host: host, Repo: scope, Status: resp.StatusCode}
	}
	c, err := parseChallenge(header)
	if err != nil {
		return nil, err
	}

	retry := origReq.Clone(ctx)

	switch strings.ToLower(c.scheme) {
	case "basic":
		cred, err := a.creds.Retrieve(ctx, host)
		if err != nil {
			return nil, err
		}
		if cred.Anonymous() {
			return nil, &errs.AuthenticationError{Host: host, Retrievers: []string{"none configured"}, Cause: fmt.Errorf("basic auth required but no credentials available")}
		}
		retry.SetBasicAuth(cred.Username, cred.Password)
		return retry, nil

	case "bearer":
		key := tokenKey{host: host, scope: scope}
		if tok, ok := a.tokens.get(key); ok {
			retry.Header.Set("Authorization", "Bearer "+tok)
			return retry, nil
		}
		v, err, _ := a.fetchGroup.Do(host+"|"+scope, func() (any, error) {
			return a.fetchBearerToken(ctx, host, scope, c)
		})
		if err != nil {
			return nil, err
		}
		tok := v.(string)
		a.tokens.put(key, tok)
		retry.Header.Set("Authorization", "Bearer "+tok)
		return retry, nil

	default:
		return nil, fmt.Errorf("unsupported authentication scheme %q", c.scheme)
	}
}

// fetchBearerToken requests a token from c's realm/service. The scope
// requested is the caller's own operation scope, not c.scope: c.scope
// is just whatever the registry's WWW-Authenticate challenge happened
// to name, which for some registries under-specifies what the caller
// actually needs (e.g. a cross-repo mount needs pull on the source
// repo too, which not every registry's challenge names explicitly).
// The caller already knows exactly which scope its request requires,
// so that takes precedence; c.scope is used only as a fallback when
// the caller didn't supply one.
func (a *authenticator) fetchBearerToken(ctx context.Context, host, scope string, c challenge) (string, error) {
	tokenURL, err := url.Parse(c.realm)
	if err != nil {
		return "", fmt.Errorf("parsing token realm %q: %w", c.realm, err)
	}
	if scope == "" {
		scope = c.scope
	}
	q := tokenURL.Query()
	if c.service != "" {
		q.Set("service", c.service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	cred, err := a.creds.Retrieve(ctx, host)
	if err == nil && !cred.Anonymous() {
		if cred.Token != "" {
			req.Header.Set("Authorization", "Bearer "+cred.Token)
		} else {
			req.SetBasicAuth(cred.Username, cred.Password)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &errs.RegistryTransportError{Op: "GET", Host: tokenURL.Host, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &errs.AuthenticationError{Host: host, Retrievers: []string{"bearer-token-endpoint"}, Cause: fmt.Errorf("token endpoint %s returned %d", tokenURL.Host, resp.StatusCode)}
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", fmt.Errorf("token response from %s had neither token nor access_token", tokenURL.Host)
}

// RepositoryScope builds the "repository:name:actions" scope string
// used both as a token-cache key and in the bearer token request.
func RepositoryScope(repo string, actions ...string) string {
	return fmt.Sprintf("repository:%s:%s", repo, strings.Join(actions, ","))
}

