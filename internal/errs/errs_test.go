package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestConcreteErrorsWrapSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"ConfigurationError", &ConfigurationError{Field: "target", Problem: "empty"}, ErrInvalidConfiguration},
		{"AuthenticationError", &AuthenticationError{Host: "example.com", Retrievers: []string{"static"}}, ErrAuthenticationFailed},
		{"RegistryUnauthorizedError", &RegistryUnauthorizedError{Host: "example.com", Status: 401}, ErrRegistryUnauthorized},
		{"RegistryTransportError", &RegistryTransportError{Op: "GET", Host: "example.com"}, ErrRegistryTransport},
		{"RegistryErrorDocument", &RegistryErrorDocument{Host: "example.com", Status: 500}, ErrRegistryError},
		{"UnsupportedPlatformError", &UnsupportedPlatformError{Wanted: "linux/amd64"}, ErrUnsupportedPlatform},
		{"LayerConflictError", &LayerConflictError{Digest: "sha256:abc"}, ErrLayerConflict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if !errors.Is(c.err, c.want) {
				t.Errorf("errors.Is(%v, %v) = false, want true", c.err, c.want)
			}
			if c.err.Error() == "" {
				t.Errorf("Error() returned empty string")
			}
		})
	}
}

func TestRegistryUnauthorizedErrorSeparatesHostAndRepo(t *testing.T) {
	err := &RegistryUnauthorizedError{Host: "registry.example.com", Repo: "repository:library/app:pull", Status: 401}
	msg := err.Error()
	if !strings.Contains(msg, "registry.example.com/repository:library/app:pull") {
		t.Errorf("Error() = %q, want host and repo separated by '/'", msg)
	}
}

func TestCacheCorruptedErrorPrefersCause(t *testing.T) {
	cause := errors.New("checksum mismatch")
	err := &CacheCorruptedError{Path: "/cache/x", Cause: cause}
	if !errors.Is(err, cause) {
		t.Errorf("expected CacheCorruptedError to unwrap to its Cause")
	}

	noCause := &CacheCorruptedError{Path: "/cache/y"}
	if !errors.Is(noCause, ErrCacheCorrupted) {
		t.Errorf("expected CacheCorruptedError with no Cause to unwrap to ErrCacheCorrupted")
	}
}

func TestAggregateEmpty(t *testing.T) {
	var a Aggregate
	if err := a.Err(); err != nil {
		t.Fatalf("Err() on empty Aggregate = %v, want nil", err)
	}
}

func TestAggregateSingle(t *testing.T) {
	var a Aggregate
	want := errors.New("boom")
	a.Add(want)
	if got := a.Err(); got != want {
		t.Fatalf("Err() = %v, want the single added error %v", got, want)
	}
}

func TestAggregateIgnoresNil(t *testing.T) {
	var a Aggregate
	a.Add(nil)
	if err := a.Err(); err != nil {
		t.Fatalf("Err() after adding only nil = %v, want nil", err)
	}
}

func TestAggregateMultiple(t *testing.T) {
	var a Aggregate
	first := errors.New("first failure")
	second := errors.New("second failure")
	third := errors.New("third failure")
	a.Add(first)
	a.Add(second)
	a.Add(third)

	err := a.Err()
	if !errors.Is(err, first) {
		t.Errorf("aggregate error does not unwrap to first failure")
	}

	type causer interface{ Causes() []error }
	c, ok := err.(causer)
	if !ok {
		t.Fatalf("aggregate error does not implement Causes()")
	}
	causes := c.Causes()
	if len(causes) != 2 || causes[0] != second || causes[1] != third {
		t.Errorf("Causes() = %v, want [%v %v]", causes, second, third)
	}
}
