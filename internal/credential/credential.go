// Package credential implements the credentialRetrievers chain (§6):
// static username/password pairs, the Docker CLI config file, and
// external credential-helper binaries, tried in order until one yields
// working credentials for a host.
package credential

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	dockerconfig "github.com/docker/cli/cli/config"
	dockerconfigfile "github.com/docker/cli/cli/config/configfile"
	credhelper "github.com/docker/docker-credential-helpers/client"
	credhelpertypes "github.com/docker/docker-credential-helpers/credentials"

	"github.com/imgpipe/imgpipe/internal/errs"
)

// Credential is either a username/password pair or a bearer token,
// never both populated.
type Credential struct {
	Username string
	Password string
	Token    string
}

// Anonymous reports whether c carries no usable auth material, in which
// case the registry client proceeds unauthenticated.
func (c Credential) Anonymous() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

// Retriever resolves credentials for a registry host. ok is false when
// this retriever has nothing to offer for host, distinct from an error.
type Retriever interface {
	Name() string
	Retrieve(ctx context.Context, host string) (cred Credential, ok bool, err error)
}

// Chain tries retrievers in order and returns the first hit. If none
// match (and none errors), an AuthenticationError names every retriever
// tried.
type Chain struct {
	Retrievers []Retriever
}

func (c Chain) Retrieve(ctx context.Context, host string) (Credential, error) {
	names := make([]string, 0, len(c.Retrievers))
	for _, r := range c.Retrievers {
		names = append(names, r.Name())
		cred, ok, err := r.Retrieve(ctx, host)
		if err != nil {
			return Credential{}, &errs.AuthenticationError{Host: host, Retrievers: names, Cause: err}
		}
		if ok {
			return cred, nil
		}
	}
	return Credential{}, &errs.AuthenticationError{Host: host, Retrievers: names, Cause: fmt.Errorf("no retriever produced credentials")}
}

// Static always returns the same credential for every host, used for a
// single explicitly configured registry login.
type Static struct {
	Host string
	Cred Credential
}

func (s Static) Name() string { return "static" }

func (s Static) Retrieve(_ context.Context, host string) (Credential, bool, error) {
	if host != s.Host {
		return Credential{}, false, nil
	}
	return s.Cred, true, nil
}

// DockerConfig reads $DOCKER_CONFIG/config.json (or the default
// ~/.docker/config.json), resolving either an inline auth entry or a
// configured credsStore/credHelpers external helper, per host
// (grounded on the same lookup Docker's own CLI performs before every
// registry operation).
type DockerConfig struct {
	configDir string

	mu     sync.Mutex
	loaded bool
	cfg    *dockerconfigfile.ConfigFile
}

// NewDockerConfig reads the Docker config file at configDir (the path of
// config.json itself, not of the directory holding it), or the default
// Docker config location if configDir is empty.
func NewDockerConfig(configDir string) *DockerConfig {
	return &DockerConfig{configDir: configDir}
}

func (d *DockerConfig) Name() string { return "docker-config" }

func (d *DockerConfig) Retrieve(ctx context.Context, host string) (Credential, bool, error) {
	if err := d.ensureLoaded(); err != nil {
		return Credential{}, false, err
	}
	auth, err := d.cfg.GetAuthConfig(host)
	if err != nil {
		return Credential{}, false, err
	}
	if auth.IdentityToken != "" {
		return Credential{Token: auth.IdentityToken}, true, nil
	}
	if auth.Username != "" || auth.Password != "" {
		return Credential{Username: auth.Username, Password: auth.Password}, true, nil
	}
	return Credential{}, false, nil
}

func (d *DockerConfig) ensureLoaded() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}
	var cfg *dockerconfigfile.ConfigFile
	var err error
	if d.configDir != "" {
		var f *os.File
		f, err = os.Open(d.configDir)
		if err == nil {
			defer f.Close()
			cfg, err = dockerconfig.LoadFromReader(f)
		}
	} else {
		cfg = dockerconfig.LoadDefaultConfigFile(os.Stderr)
	}
	if err != nil {
		return fmt.Errorf("credential: loading docker config: %w", err)
	}
	d.cfg = cfg
	d.loaded = true
	return nil
}

// ExternalHelper shells out to a `docker-credential-<name>` style binary
// implementing the docker-credential-helpers protocol, caching results
// for a short TTL so a build with many blobs for the same host doesn't
// re-exec the helper per request (grounded on the external credential
// helper in the teacher's own auth package, adapted here to the
// standard docker-credential-helpers wire contract instead of a
// bespoke JSON shape).
type ExternalHelper struct {
	program string

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	cred      Credential
	expiresAt time.Time
}

// NewExternalHelper wraps the credential helper binary named program
// (e.g. "docker-credential-ecr-login").
func NewExternalHelper(program string) *ExternalHelper {
	return &ExternalHelper{program: program, cache: make(map[string]cacheEntry)}
}

func (e *ExternalHelper) Name() string { return "credential-helper:" + e.program }

func (e *ExternalHelper) Retrieve(ctx context.Context, host string) (Credential, bool, error) {
	if cred, ok := e.fromCache(host); ok {
		return cred, true, nil
	}
	creds, err := credhelper.Get(credhelper.NewShellProgramFunc(e.program), host)
	if err != nil {
		if credhelpertypes.IsErrCredentialsNotFound(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	cred := Credential{Username: creds.Username, Password: creds.Secret}
	e.toCache(host, cred)
	return cred, true, nil
}

func (e *ExternalHelper) fromCache(host string) (Credential, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[host]
	if !ok || time.Now().After(entry.expiresAt) {
		return Credential{}, false
	}
	return entry.cred, true
}

func (e *ExternalHelper) toCache(host string, cred Credential) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[host] = cacheEntry{cred: cred, expiresAt: time.Now().Add(5 * time.Minute)}
}

