// Package plan defines the build's configuration object and the
// immutable ContainerBuildPlan handed to the build pipeline (§6, §3
// lifecycle note).
package plan

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/imgpipe/imgpipe/internal/credential"
	"github.com/imgpipe/imgpipe/internal/errs"
	"github.com/imgpipe/imgpipe/internal/image"
	"github.com/imgpipe/imgpipe/internal/ref"
)

// ScratchSentinel is the distinguished "no base image" reference string
// (§3 ImageReference normalisation).
const ScratchSentinel = "scratch"

// Config is the configuration object described in §6: every field the
// spec calls out as a recognised option, plus the defaulting behavior
// named there (USE_CURRENT_TIMESTAMP, EPOCH_PLUS_SECOND).
type Config struct {
	BaseImage                 string
	TargetImage               string
	AdditionalTags            []string
	AllowInsecureRegistries   bool
	SendCredentialsOverHTTP   bool
	ApplicationLayersCacheDir string
	BaseImageLayersCacheDir   string
	Platform                  image.Platform
	CreationTime              time.Time
	FilesModificationTime     time.Time
	HTTPTimeout               time.Duration
	CredentialRetrievers      []credential.Retriever
}

// UseCurrentTimestamp, passed as CreationTime, requests that
// ResolvedCreationTime fill in the wall-clock time at resolution (§6 "creationTime: instant
// or USE_CURRENT_TIMESTAMP").
var UseCurrentTimestamp = time.Time{}

// Validate checks Config for the InvalidConfiguration cases the spec
// calls out: malformed reference, missing required fields, negative
// timeouts (§7 InvalidConfiguration is "surfaced immediately without
// I/O").
func (c Config) Validate(requireTarget bool) error {
	if c.BaseImage == "" {
		return &errs.ConfigurationError{Field: "baseImage", Problem: "must be set (or \"scratch\")"}
	}
	if c.BaseImage != ScratchSentinel {
		if _, err := ref.Parse(c.BaseImage); err != nil {
			return &errs.ConfigurationError{Field: "baseImage", Problem: err.Error()}
		}
	}
	if requireTarget {
		if c.TargetImage == "" {
			return &errs.ConfigurationError{Field: "targetImage", Problem: "required for registry/daemon sinks"}
		}
		if _, err := ref.Parse(c.TargetImage); err != nil {
			return &errs.ConfigurationError{Field: "targetImage", Problem: err.Error()}
		}
	}
	if c.HTTPTimeout < 0 {
		return &errs.ConfigurationError{Field: "httpTimeout", Problem: "must be non-negative"}
	}
	return nil
}

// ResolvedCreationTime returns CreationTime, defaulting to the current
// time if unset (the spec's USE_CURRENT_TIMESTAMP).
func (c Config) ResolvedCreationTime(now time.Time) time.Time {
	if c.CreationTime.IsZero() {
		return now
	}
	return c.CreationTime
}

// ResolvedFilesModificationTime returns FilesModificationTime,
// defaulting to epoch+1s (the spec's EPOCH_PLUS_SECOND).
func (c Config) ResolvedFilesModificationTime() time.Time {
	if c.FilesModificationTime.IsZero() {
		return image.EpochPlusSecond
	}
	return c.FilesModificationTime
}

// ResolvedPlatform returns Platform, defaulting to amd64/linux.
func (c Config) ResolvedPlatform() image.Platform {
	if c.Platform == (image.Platform{}) {
		return image.DefaultPlatform
	}
	return c.Platform
}

// stringSliceFlag implements flag.Value for collecting repeated -tag
// flags into a slice.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// ParseFlags builds a Config from command-line style flags, the way
// the push/load front ends parse their arguments.
func ParseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var (
		baseImage     string
		targetImage   string
		tags          stringSliceFlag
		allowInsecure bool
		sendCredsHTTP bool
		appCacheDir   string
		baseCacheDir  string
		platformStr   string
		httpTimeoutMs int64
	)

	fs.StringVar(&baseImage, "base", ScratchSentinel, "Base image reference, or \"scratch\" for none")
	fs.StringVar(&targetImage, "target", "", "Target image reference")
	fs.Var(&tags, "tag", "Additional tag to apply (can be used multiple times)")
	fs.BoolVar(&allowInsecure, "allow-insecure-registries", false, "Permit HTTP fallback and TLS-verification bypass")
	fs.BoolVar(&sendCredsHTTP, "send-credentials-over-http", false, "Allow sending credentials over plain HTTP")
	fs.StringVar(&appCacheDir, "application-layers-cache-dir", defaultCacheDir("app"), "Cache directory for application layers")
	fs.StringVar(&baseCacheDir, "base-image-layers-cache-dir", defaultCacheDir("base"), "Cache directory for base image layers")
	fs.StringVar(&platformStr, "platform", "", "Target platform as os/architecture (default linux/amd64)")
	fs.Int64Var(&httpTimeoutMs, "http-timeout-ms", 60000, "HTTP timeout in milliseconds")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("plan: parsing flags: %w", err)
	}

	platform, err := parsePlatform(platformStr)
	if err != nil {
		return Config{}, err
	}

	return Config{
		BaseImage:                 baseImage,
		TargetImage:               targetImage,
		AdditionalTags:            []string(tags),
		AllowInsecureRegistries:   allowInsecure,
		SendCredentialsOverHTTP:   sendCredsHTTP,
		ApplicationLayersCacheDir: appCacheDir,
		BaseImageLayersCacheDir:   baseCacheDir,
		Platform:                  platform,
		HTTPTimeout:               time.Duration(httpTimeoutMs) * time.Millisecond,
		CredentialRetrievers:      DefaultRetrievers(),
	}, nil
}

func parsePlatform(s string) (image.Platform, error) {
	if s == "" {
		return image.Platform{}, nil
	}
	osName, arch, ok := strings.Cut(s, "/")
	if !ok {
		return image.Platform{}, &errs.ConfigurationError{Field: "platform", Problem: fmt.Sprintf("%q must be os/architecture", s)}
	}
	return image.Platform{OS: osName, Architecture: arch}, nil
}

func defaultCacheDir(kind string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return base + "/imgpipe/" + kind
}

// DefaultRetrievers builds the standard credential retriever chain: the
// Docker CLI config (honouring $DOCKER_CONFIG) first, since it is the
// ambient source of truth for registry logins on a developer or CI
// machine.
func DefaultRetrievers() []credential.Retriever {
	configDir := os.Getenv("DOCKER_CONFIG")
	return []credential.Retriever{
		credential.NewDockerConfig(dockerConfigPath(configDir)),
	}
}

func dockerConfigPath(configDir string) string {
	if configDir == "" {
		return ""
	}
	return configDir + "/config.json"
}

// ApplicationLayer is one layer's worth of filesystem entries to
// archive, keeping the layer boundary explicit rather than flattening
// every entry into one list (§3 Image "ordered list of Layers").
type ApplicationLayer struct {
	Entries []image.LayerEntry
}

// ContainerBuildPlan is the immutable input to the build pipeline: a
// base image reference (or scratch), the application layers to stack
// on top, and the image metadata to carry into the final config (§3
// lifecycle: "ContainerBuildPlan is constructed by callers; it is
// immutable once handed to the build pipeline").
type ContainerBuildPlan struct {
	Config            Config
	ApplicationLayers []ApplicationLayer
	Env               map[string]string
	Labels            map[string]string
	Entrypoint        []string
	Cmd               []string
	ExposedPorts      map[string]struct{}
	Volumes           map[string]struct{}
	User              string
	WorkingDir        string
	Healthcheck       *image.Healthcheck
}

// IsScratch reports whether this plan has no base image.
func (p ContainerBuildPlan) IsScratch() bool {
	return p.Config.BaseImage == ScratchSentinel
}
