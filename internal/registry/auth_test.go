package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/imgpipe/imgpipe/internal/credential"
)

func TestParseChallengeBearer(t *testing.T) {
	c, err := parseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/app:pull"`)
	if err != nil {
		t.Fatalf("parseChallenge: %v", err)
	}
	if c.scheme != "Bearer" {
		t.Errorf("scheme = %q, want %q", c.scheme, "Bearer")
	}
	if c.realm != "https://auth.example.com/token" {
		t.Errorf("realm = %q", c.realm)
	}
	if c.service != "registry.example.com" {
		t.Errorf("service = %q", c.service)
	}
	if c.scope != "repository:library/app:pull" {
		t.Errorf("scope = %q", c.scope)
	}
}

func TestParseChallengeBasic(t *testing.T) {
	c, err := parseChallenge(`Basic realm="registry.example.com"`)
	if err != nil {
		t.Fatalf("parseChallenge: %v", err)
	}
	if c.scheme != "Basic" || c.realm != "registry.example.com" {
		t.Errorf("parsed = %+v", c)
	}
}

func TestParseChallengeMalformed(t *testing.T) {
	if _, err := parseChallenge("garbage"); err == nil {
		t.Fatalf("expected an error for a header with no scheme/params split")
	}
}

func TestSplitAuthParamsHonorsQuotedCommas(t *testing.T) {
	got := splitAuthParams(`realm="https://example.com/token?a=1,b=2",service="registry"`)
	want := []string{`realm="https://example.com/token?a=1,b=2"`, `service="registry"`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTokenCacheGetPutInvalidate(t *testing.T) {
	tc := newTokenCache()
	k := tokenKey{host: "example.com", scope: "repository:x:pull"}

	if _, ok := tc.get(k); ok {
		t.Fatalf("expected a miss before any put")
	}
	tc.put(k, "token-value")
	got, ok := tc.get(k)
	if !ok || got != "token-value" {
		t.Fatalf("get() = %q, %v, want %q, true", got, ok, "token-value")
	}
	tc.invalidate(k)
	if _, ok := tc.get(k); ok {
		t.Fatalf("expected a miss after invalidate")
	}
}

func TestRepositoryScope(t *testing.T) {
	got := RepositoryScope("library/app", "pull", "push")
	want := "repository:library/app:pull,push"
	if got != want {
		t.Errorf("RepositoryScope() = %q, want %q", got, want)
	}
}

func TestApplyCachedSkipsPlainHTTPByDefault(t *testing.T) {
	a := newAuthenticator(credential.Chain{}, http.DefaultClient, false)
	a.tokens.put(tokenKey{host: "example.com", scope: "s"}, "tok")

	req, _ := http.NewRequest(http.MethodGet, "http://example.com/v2/x/manifests/latest", nil)
	a.applyCached(req, "s")
	if req.Header.Get("Authorization") != "" {
		t.Errorf("expected no Authorization header to be attached over plain HTTP")
	}
}

func TestApplyCachedAttachesTokenOverHTTPS(t *testing.T) {
	a := newAuthenticator(credential.Chain{}, http.DefaultClient, false)
	a.tokens.put(tokenKey{host: "example.com", scope: "s"}, "tok")

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/v2/x/manifests/latest", nil)
	a.applyCached(req, "s")
	if req.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", req.Header.Get("Authorization"), "Bearer tok")
	}
}

func TestHandleChallengeBearerFetchesAndCachesToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"fetched-token"}`))
	}))
	defer tokenServer.Close()

	a := newAuthenticator(credential.Chain{}, http.DefaultClient, false)
	origReq, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/v2/library/app/manifests/latest", nil)
	respHeader := http.Header{}
	respHeader.Set("WWW-Authenticate", `Bearer realm="`+tokenServer.URL+`",service="registry.example.com",scope="repository:library/app:pull"`)
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     respHeader,
	}

	retry, err := a.handleChallenge(context.Background(), resp, origReq, "registry.example.com", "repository:library/app:pull")
	if err != nil {
		t.Fatalf("handleChallenge: %v", err)
	}
	if retry.Header.Get("Authorization") != "Bearer fetched-token" {
		t.Errorf("Authorization = %q", retry.Header.Get("Authorization"))
	}

	tok, ok := a.tokens.get(tokenKey{host: "registry.example.com", scope: "repository:library/app:pull"})
	if !ok || tok != "fetched-token" {
		t.Errorf("token was not cached: %q, %v", tok, ok)
	}
}

func TestHandleChallengeCoalescesConcurrentFetches(t *testing.T) {
	var fetches int64
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"shared-token"}`))
	}))
	defer tokenServer.Close()

	a := newAuthenticator(credential.Chain{}, http.DefaultClient, false)
	header := `Bearer realm="` + tokenServer.URL + `",service="registry.example.com",scope="repository:library/app:pull"`

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			origReq, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/v2/library/app/manifests/latest", nil)
			respHeader := http.Header{}
			respHeader.Set("WWW-Authenticate", header)
			resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: respHeader}
			retry, err := a.handleChallenge(context.Background(), resp, origReq, "registry.example.com", "repository:library/app:pull")
			if err != nil {
				t.Errorf("handleChallenge: %v", err)
				return
			}
			if retry.Header.Get("Authorization") != "Bearer shared-token" {
				t.Errorf("Authorization = %q", retry.Header.Get("Authorization"))
			}
		}()
	}
	wg.Wait()

	if fetches > 1 {
		t.Errorf("token endpoint was hit %d times for ten parallel pulls of the same scope, want at most 1", fetches)
	}
}

func TestHandleChallengeRejectsHTTPWithoutOverride(t *testing.T) {
	a := newAuthenticator(credential.Chain{}, http.DefaultClient, false)
	origReq, _ := http.NewRequest(http.MethodGet, "http://registry.example.com/v2/library/app/manifests/latest", nil)
	resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}}

	_, err := a.handleChallenge(context.Background(), resp, origReq, "registry.example.com", "scope")
	if err == nil {
		t.Fatalf("expected an error for a plain-HTTP challenge with credentials-over-http disabled")
	}
}

func TestHandleChallengeNoHeaderIsUnauthorized(t *testing.T) {
	a := newAuthenticator(credential.Chain{}, http.DefaultClient, false)
	origReq, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/v2/library/app/manifests/latest", nil)
	resp := &http.Response{StatusCode: http.StatusUnauthorized, Header: http.Header{}}

	_, err := a.handleChallenge(context.Background(), resp, origReq, "registry.example.com", "scope")
	if err == nil {
		t.Fatalf("expected a RegistryUnauthorizedError when no WWW-Authenticate header is present")
	}
}
