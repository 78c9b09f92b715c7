package credential

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCredentialAnonymous(t *testing.T) {
	if !(Credential{}).Anonymous() {
		t.Errorf("zero value Credential.Anonymous() = false, want true")
	}
	if (Credential{Username: "u"}).Anonymous() {
		t.Errorf("Credential with a username reported Anonymous() = true")
	}
	if (Credential{Token: "t"}).Anonymous() {
		t.Errorf("Credential with a token reported Anonymous() = true")
	}
}

func TestStaticRetrieve(t *testing.T) {
	s := Static{Host: "example.com", Cred: Credential{Username: "u", Password: "p"}}

	cred, ok, err := s.Retrieve(context.Background(), "example.com")
	if err != nil || !ok {
		t.Fatalf("Retrieve(matching host) = %v, %v, %v", cred, ok, err)
	}
	if cred.Username != "u" || cred.Password != "p" {
		t.Errorf("Retrieve returned %+v", cred)
	}

	_, ok, err = s.Retrieve(context.Background(), "other.example.com")
	if err != nil || ok {
		t.Fatalf("Retrieve(non-matching host) = ok:%v err:%v, want ok:false err:nil", ok, err)
	}
}

type fakeRetriever struct {
	name string
	cred Credential
	ok   bool
	err  error
}

func (f fakeRetriever) Name() string { return f.name }

func (f fakeRetriever) Retrieve(_ context.Context, _ string) (Credential, bool, error) {
	return f.cred, f.ok, f.err
}

func TestChainReturnsFirstHit(t *testing.T) {
	chain := Chain{Retrievers: []Retriever{
		fakeRetriever{name: "first", ok: false},
		fakeRetriever{name: "second", cred: Credential{Username: "found"}, ok: true},
		fakeRetriever{name: "third", ok: true, cred: Credential{Username: "never reached"}},
	}}

	cred, err := chain.Retrieve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if cred.Username != "found" {
		t.Errorf("Retrieve() = %+v, want the second retriever's credential", cred)
	}
}

func TestChainReturnsAuthenticationErrorWhenNoneMatch(t *testing.T) {
	chain := Chain{Retrievers: []Retriever{
		fakeRetriever{name: "first", ok: false},
		fakeRetriever{name: "second", ok: false},
	}}
	_, err := chain.Retrieve(context.Background(), "example.com")
	if err == nil {
		t.Fatalf("expected an error when no retriever has a credential")
	}
}

func TestChainPropagatesRetrieverError(t *testing.T) {
	wantCause := errors.New("helper exec failed")
	chain := Chain{Retrievers: []Retriever{
		fakeRetriever{name: "broken", err: wantCause},
	}}
	_, err := chain.Retrieve(context.Background(), "example.com")
	if err == nil {
		t.Fatalf("expected an error to propagate")
	}
}

func TestExternalHelperCache(t *testing.T) {
	e := NewExternalHelper("docker-credential-test")
	e.toCache("example.com", Credential{Username: "cached"})

	cred, ok := e.fromCache("example.com")
	if !ok || cred.Username != "cached" {
		t.Fatalf("fromCache = %+v, %v, want the cached credential", cred, ok)
	}

	e.mu.Lock()
	e.cache["example.com"] = cacheEntry{cred: cred, expiresAt: time.Now().Add(-time.Minute)}
	e.mu.Unlock()

	if _, ok := e.fromCache("example.com"); ok {
		t.Errorf("fromCache returned a hit for an expired entry")
	}
}
