// Package containerize implements the top-level orchestrator (§5): one
// Containerizer instance owns its executor, caches, logger, and
// progress bus, with no package-level mutable state, so multiple
// independent builds can run in the same process without interfering.
package containerize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgpipe/imgpipe/internal/blob"
	"github.com/imgpipe/imgpipe/internal/cache"
	"github.com/imgpipe/imgpipe/internal/credential"
	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/errs"
	"github.com/imgpipe/imgpipe/internal/image"
	"github.com/imgpipe/imgpipe/internal/plan"
	"github.com/imgpipe/imgpipe/internal/progress"
	"github.com/imgpipe/imgpipe/internal/ref"
	"github.com/imgpipe/imgpipe/internal/registry"
	"github.com/imgpipe/imgpipe/internal/stepgraph"
	"github.com/imgpipe/imgpipe/internal/tarlayer"
)

// Containerizer runs container build plans. Every field is owned by
// this instance; there is no shared global state, so a process may run
// several Containerizers concurrently against different registries or
// cache directories (§5 shared state).
type Containerizer struct {
	log       *logrus.Entry
	executor  *stepgraph.Executor
	bus       *progress.Bus
	appCache  *cache.Cache
	baseCache *cache.Cache
	regClient *registry.Client
}

// Option configures a Containerizer at construction.
type Option func(*Containerizer)

// WithWorkerPoolSize overrides the default min(32, 2*cores) executor
// size (§4.5).
func WithWorkerPoolSize(n int) Option {
	return func(c *Containerizer) { c.executor = stepgraph.NewExecutor(n) }
}

// WithLogger overrides the default logrus logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Containerizer) { c.log = log }
}

// New constructs a Containerizer for cfg, opening (but not yet
// populating) the application and base-image layer caches.
func New(cfg plan.Config, opts ...Option) (*Containerizer, error) {
	appCache, err := cache.Open(cfg.ApplicationLayersCacheDir)
	if err != nil {
		return nil, fmt.Errorf("containerize: opening application layer cache: %w", err)
	}
	baseCache, err := cache.Open(cfg.BaseImageLayersCacheDir)
	if err != nil {
		return nil, fmt.Errorf("containerize: opening base layer cache: %w", err)
	}

	c := &Containerizer{
		log:       logrus.NewEntry(logrus.StandardLogger()),
		executor:  stepgraph.NewExecutor(0),
		bus:       progress.NewBus(),
		appCache:  appCache,
		baseCache: baseCache,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.regClient = registry.New(credential.Chain{Retrievers: cfg.CredentialRetrievers}, registry.Options{
		AllowInsecure:           cfg.AllowInsecureRegistries,
		SendCredentialsOverHTTP: cfg.SendCredentialsOverHTTP,
		Timeout:                cfg.HTTPTimeout,
	})
	return c, nil
}

// Progress returns the event bus consumers can Subscribe to.
func (c *Containerizer) Progress() *progress.Bus { return c.bus }

// Build runs the DAG in §4.5 for p and returns the resulting Image,
// with every layer resolved to a cached layer (image.LayerCached; not yet
// pushed anywhere; sinks consume the result).
func (c *Containerizer) Build(ctx context.Context, p plan.ContainerBuildPlan) (image.Image, error) {
	if err := p.Config.Validate(false); err != nil {
		return image.Image{}, err
	}

	group, _ := stepgraph.WithContext(ctx)

	var baseLayers []image.Layer
	appLayers := make([]image.Layer, len(p.ApplicationLayers))
	var baseImg *pulledBase

	// Application layers have no dependency on the base image, so they are
	// scheduled before the (blocking, network-bound) base manifest pull
	// rather than after it — the two overlap instead of serializing.
	for i, al := range p.ApplicationLayers {
		i, al := i, al
		group.Go(func(ctx context.Context) error {
			l, err := c.buildApplicationLayer(ctx, al.Entries)
			if err != nil {
				return err
			}
			appLayers[i] = l
			return nil
		})
	}

	// The base manifest pull itself runs as a step in the same group: an
	// error from it then cancels the context the group hands its steps
	// like any other step's failure,
	// instead of Build returning early while the application-layer
	// goroutines above are still running unobserved.
	if !p.IsScratch() {
		group.Go(func(ctx context.Context) error {
			pulled, err := c.pullBaseManifest(ctx, p.Config)
			if err != nil {
				return err
			}
			baseImg = pulled
			baseLayers = make([]image.Layer, len(pulled.layers))

			baseGroup, _ := stepgraph.WithContext(ctx)
			for i, desc := range pulled.layers {
				i, desc := i, desc
				baseGroup.Go(func(ctx context.Context) error {
					l, err := c.pullAndCacheBaseLayer(ctx, p.Config, desc)
					if err != nil {
						return err
					}
					baseLayers[i] = l
					return nil
				})
			}
			return baseGroup.Wait()
		})
	}

	if err := group.Wait(); err != nil {
		return image.Image{}, err
	}

	var layers []image.Layer
	if baseImg != nil {
		layers = append(layers, baseLayers...)
	}
	layers = append(layers, appLayers...)

	now := p.Config.ResolvedCreationTime(time.Now().UTC())
	img := image.Image{
		Layers:       layers,
		Env:          p.Env,
		Labels:       p.Labels,
		Entrypoint:   p.Entrypoint,
		Cmd:          p.Cmd,
		ExposedPorts: p.ExposedPorts,
		Volumes:      p.Volumes,
		User:         p.User,
		WorkingDir:   p.WorkingDir,
		Created:      now,
		Architecture: p.Config.ResolvedPlatform().Architecture,
		OS:           p.Config.ResolvedPlatform().OS,
		Healthcheck:  p.Healthcheck,
	}
	if baseImg != nil {
		img.Architecture = baseImg.platform.Architecture
		img.OS = baseImg.platform.OS
		img.BaseConfigRaw = baseImg.configRaw
	}
	return img, nil
}

// buildApplicationLayer is the BuildApplicationLayer step (§4.5): cache
// by selector, build on miss.
func (c *Containerizer) buildApplicationLayer(ctx context.Context, entries []image.LayerEntry) (image.Layer, error) {
	alloc := c.bus.Allocate("BuildApplicationLayer", 1)
	selector, err := cache.Selector(entries)
	if err != nil {
		alloc.Fail(err)
		return image.Layer{}, err
	}
	if hit, ok, err := c.appCache.GetBySelector(selector); err != nil {
		alloc.Fail(err)
		return image.Layer{}, err
	} else if ok {
		alloc.Add(1)
		c.log.WithField("step", "BuildApplicationLayer").WithField("layer_digest", hit.CompressedDescriptor.Digest).Debug("cache hit")
		return hit.AsLayer(), nil
	}

	cached, err := stepgraph.Coalesce(ctx, c.executor, "app-layer:"+selector.String(), func() (*cache.CachedLayer, error) {
		compressed, err := tarlayer.BuildCompressed(entries)
		if err != nil {
			return nil, err
		}
		return c.appCache.Put(&selector, compressed, cache.EntriesModTime(entries))
	})
	if err != nil {
		alloc.Fail(err)
		return image.Layer{}, err
	}
	alloc.Add(1)
	c.log.WithField("step", "BuildApplicationLayer").WithField("layer_digest", cached.CompressedDescriptor.Digest).Info("built layer")
	return cached.AsLayer(), nil
}

// pulledBase is the resolved base manifest plus the platform it was
// pulled for (used to set the output image's architecture/os per §8
// testable property 7).
type pulledBase struct {
	reference ref.Reference
	layers    []image.BlobDescriptor
	platform  image.Platform
	configRaw json.RawMessage
}

func (c *Containerizer) pullBaseManifest(ctx context.Context, cfg plan.Config) (*pulledBase, error) {
	baseRef, err := ref.Parse(cfg.BaseImage)
	if err != nil {
		return nil, err
	}

	m, err := c.regClient.GetManifest(ctx, baseRef.Registry, baseRef.Repository, baseRef.Identifier())
	if err != nil {
		return nil, err
	}
	parsed, err := image.ParseManifest(m.Raw, m.ContentType)
	if err != nil {
		return nil, err
	}

	wantPlatform := cfg.ResolvedPlatform()
	if parsed.Index != nil {
		child, err := image.ResolvePlatform(parsed.Index, wantPlatform)
		if err != nil {
			return nil, err
		}
		childManifest, err := c.regClient.GetManifest(ctx, baseRef.Registry, baseRef.Repository, child.Digest.String())
		if err != nil {
			return nil, err
		}
		childParsed, err := image.ParseManifest(childManifest.Raw, childManifest.ContentType)
		if err != nil {
			return nil, err
		}
		if childParsed.Manifest == nil {
			return nil, fmt.Errorf("%w: manifest list child is not a single-platform manifest", errs.ErrUnsupportedPlatform)
		}
		layers, err := layerDescriptorsFromManifest(childParsed.Manifest)
		if err != nil {
			return nil, err
		}
		configRaw, err := c.fetchBaseConfig(ctx, baseRef, childParsed.Manifest)
		if err != nil {
			return nil, err
		}
		return &pulledBase{reference: baseRef, layers: layers, platform: wantPlatform, configRaw: configRaw}, nil
	}

	if parsed.Manifest != nil {
		layers, err := layerDescriptorsFromManifest(parsed.Manifest)
		if err != nil {
			return nil, err
		}
		configRaw, err := c.fetchBaseConfig(ctx, baseRef, parsed.Manifest)
		if err != nil {
			return nil, err
		}
		return &pulledBase{reference: baseRef, layers: layers, platform: wantPlatform, configRaw: configRaw}, nil
	}

	if parsed.Schema1 != nil {
		descs := make([]image.BlobDescriptor, len(parsed.Schema1.FSLayers))
		for i := len(parsed.Schema1.FSLayers) - 1; i >= 0; i-- {
			d, err := digest.Parse(parsed.Schema1.FSLayers[i].BlobSum)
			if err != nil {
				return nil, err
			}
			descs[len(parsed.Schema1.FSLayers)-1-i] = image.BlobDescriptor{Digest: d}
		}
		return &pulledBase{reference: baseRef, layers: descs, platform: wantPlatform}, nil
	}

	return nil, fmt.Errorf("registry: manifest for %s had no recognizable shape", baseRef)
}

// fetchBaseConfig downloads and validates m's config blob, returning its
// raw bytes verbatim for ConfigJSON to merge unknown fields from (§6).
// Schema-1 manifests have no equivalent standalone config blob and never
// reach here; scratch builds skip pullBaseManifest entirely, so a nil
// result there needs no separate handling.
func (c *Containerizer) fetchBaseConfig(ctx context.Context, baseRef ref.Reference, m *ocispec.Manifest) (json.RawMessage, error) {
	d, err := digest.FromGoDigest(m.Config.Digest)
	if err != nil {
		return nil, fmt.Errorf("image: base config digest: %w", err)
	}
	body, _, err := c.regClient.GetBlob(ctx, baseRef.Registry, baseRef.Repository, d)
	if err != nil {
		return nil, fmt.Errorf("containerize: fetching base config %s: %w", d, err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("containerize: reading base config %s: %w", d, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: base config %s is not valid JSON", errs.ErrCacheCorrupted, d)
	}
	return json.RawMessage(raw), nil
}

func (c *Containerizer) pullAndCacheBaseLayer(ctx context.Context, cfg plan.Config, desc image.BlobDescriptor) (image.Layer, error) {
	alloc := c.bus.Allocate("PullBaseLayer:"+desc.Digest.String(), desc.Size)
	if hit, ok, err := c.baseCache.GetByDigest(desc.Digest); err != nil {
		alloc.Fail(err)
		return image.Layer{}, err
	} else if ok {
		alloc.Add(desc.Size)
		return hit.AsLayer(), nil
	}

	baseRef, err := ref.Parse(cfg.BaseImage)
	if err != nil {
		alloc.Fail(err)
		return image.Layer{}, err
	}

	cached, err := stepgraph.Coalesce(ctx, c.executor, "base-layer:"+desc.Digest.String(), func() (*cache.CachedLayer, error) {
		body, _, err := c.regClient.GetBlob(ctx, baseRef.Registry, baseRef.Repository, desc.Digest)
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return c.baseCache.Put(nil, blobFromReader(&progressReader{r: body, alloc: alloc}, desc.MediaType), time.Time{})
	})
	if err != nil {
		alloc.Fail(err)
		return image.Layer{}, err
	}
	return cached.AsLayer(), nil
}

// Push publishes img to cfg.TargetImage and every cfg.AdditionalTags,
// running the PushBlob/PushManifest half of the §4.5 DAG: every layer
// blob first (mount-from-base where possible, upload otherwise), then
// the config blob, then the manifest under each requested tag.
func (c *Containerizer) Push(ctx context.Context, img image.Image, cfg plan.Config) error {
	if err := cfg.Validate(true); err != nil {
		return err
	}
	targetRef, err := ref.Parse(cfg.TargetImage)
	if err != nil {
		return err
	}

	var baseRepo string
	if cfg.BaseImage != plan.ScratchSentinel {
		if baseRef, err := ref.Parse(cfg.BaseImage); err == nil && baseRef.Registry == targetRef.Registry {
			baseRepo = baseRef.Repository
		}
	}

	group, _ := stepgraph.WithContext(ctx)
	for _, l := range img.Layers {
		l := l
		group.Go(func(ctx context.Context) error {
			return c.pushLayerBlob(ctx, targetRef, baseRepo, l)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	configJSON, configDesc, err := image.ConfigJSON(img)
	if err != nil {
		return err
	}
	// group's derived context is canceled by errgroup the moment Wait
	// returns (success or failure), so everything after it must use the
	// original ctx, not the one stepgraph.WithContext handed back above.
	if err := c.pushBlobBytes(ctx, targetRef, configDesc, configJSON); err != nil {
		return err
	}

	manifestJSON, _, err := image.ManifestJSON(img, configDesc)
	if err != nil {
		return err
	}

	for _, tag := range pushTags(targetRef, cfg.AdditionalTags) {
		alloc := c.bus.Allocate("PushManifest:"+tag, 1)
		if err := c.regClient.PutManifest(ctx, targetRef.Registry, targetRef.Repository, tag, image.MediaTypeOCIManifest, manifestJSON); err != nil {
			alloc.Fail(err)
			return fmt.Errorf("containerize: pushing manifest tag %q: %w", tag, err)
		}
		alloc.Add(1)
		c.log.WithField("step", "PushManifest").WithField("tag", tag).Info("pushed manifest")
	}
	return nil
}

// pushTags returns every tag the manifest must be pushed under: the
// target reference's own tag (if it has one; a digest-pinned target has
// nothing to push a tag for) plus every additional tag.
func pushTags(targetRef ref.Reference, additional []string) []string {
	var tags []string
	if !targetRef.IsDigest() {
		tags = append(tags, targetRef.Tag)
	}
	tags = append(tags, additional...)
	return tags
}

// pushLayerBlob publishes one layer's compressed bytes: skip if the
// target repository already has the blob, otherwise try a cross-repo
// mount from baseRepo (same registry, avoids a re-upload of bytes the
// registry already holds for the base image), falling back to a plain
// upload session (§4.5 PushBlob: "mount when the source repository is
// known and in the same registry, else upload").
func (c *Containerizer) pushLayerBlob(ctx context.Context, targetRef ref.Reference, baseRepo string, l image.Layer) error {
	d := l.CompressedDescriptor.Digest
	alloc := c.bus.Allocate("PushBlob:"+d.String(), l.CompressedDescriptor.Size)
	exists, _, err := c.regClient.HeadBlob(ctx, targetRef.Registry, targetRef.Repository, d)
	if err != nil {
		alloc.Fail(err)
		return fmt.Errorf("containerize: checking blob %s: %w", d, err)
	}
	if exists {
		alloc.Add(l.CompressedDescriptor.Size)
		c.log.WithField("step", "PushBlob").WithField("layer_digest", d).Debug("blob already present")
		return nil
	}

	var location string
	if baseRepo != "" && baseRepo != targetRef.Repository {
		mounted, uploadLocation, err := c.regClient.MountBlob(ctx, targetRef.Registry, targetRef.Repository, d, baseRepo)
		if err != nil {
			alloc.Fail(err)
			return fmt.Errorf("containerize: mounting blob %s: %w", d, err)
		}
		if mounted {
			alloc.Add(l.CompressedDescriptor.Size)
			c.log.WithField("step", "PushBlob").WithField("layer_digest", d).Debug("mounted from base repository")
			return nil
		}
		// A 202 fallback already opened an upload session; continue it
		// instead of discarding it and starting a second one.
		location = uploadLocation
	}

	f, err := os.Open(l.FilePath)
	if err != nil {
		alloc.Fail(err)
		return fmt.Errorf("containerize: opening cached layer %s: %w", d, err)
	}
	defer f.Close()
	if err := c.uploadBlob(ctx, targetRef, location, d, l.CompressedDescriptor.Size, f, alloc); err != nil {
		alloc.Fail(err)
		return err
	}
	c.log.WithField("step", "PushBlob").WithField("layer_digest", d).Info("uploaded")
	return nil
}

// pushBlobBytes uploads an in-memory blob (the config JSON), reusing
// the same upload-session path as layer blobs.
func (c *Containerizer) pushBlobBytes(ctx context.Context, targetRef ref.Reference, desc image.BlobDescriptor, raw []byte) error {
	alloc := c.bus.Allocate("PushBlob:"+desc.Digest.String(), desc.Size)
	exists, _, err := c.regClient.HeadBlob(ctx, targetRef.Registry, targetRef.Repository, desc.Digest)
	if err != nil {
		alloc.Fail(err)
		return fmt.Errorf("containerize: checking config blob %s: %w", desc.Digest, err)
	}
	if exists {
		alloc.Add(desc.Size)
		return nil
	}
	if err := c.uploadBlob(ctx, targetRef, "", desc.Digest, desc.Size, bytes.NewReader(raw), alloc); err != nil {
		alloc.Fail(err)
		return err
	}
	c.log.WithField("step", "PushBlob").WithField("config_digest", desc.Digest).Info("uploaded config")
	return nil
}

// uploadBlob opens a new upload session unless location already names one
// (the session a cross-repo mount's 202 fallback opened), then streams
// body through to completion, reporting bytes written to alloc as they go.
func (c *Containerizer) uploadBlob(ctx context.Context, targetRef ref.Reference, location string, d digest.Digest, size int64, body io.Reader, alloc *progress.Allocation) error {
	if location == "" {
		started, err := c.regClient.StartUpload(ctx, targetRef.Registry, targetRef.Repository)
		if err != nil {
			return fmt.Errorf("containerize: starting upload for %s: %w", d, err)
		}
		location = started
	}
	if err := c.regClient.UploadBlob(ctx, targetRef.Repository, location, d, size, &progressReader{r: body, alloc: alloc}); err != nil {
		return fmt.Errorf("containerize: uploading %s: %w", d, err)
	}
	return nil
}

func layerDescriptorsFromManifest(m *ocispec.Manifest) ([]image.BlobDescriptor, error) {
	out := make([]image.BlobDescriptor, len(m.Layers))
	for i, l := range m.Layers {
		d, err := digest.FromGoDigest(l.Digest)
		if err != nil {
			return nil, fmt.Errorf("image: layer %d: %w", i, err)
		}
		out[i] = image.BlobDescriptor{Size: l.Size, Digest: d, MediaType: l.MediaType}
	}
	return out, nil
}

// progressReader reports every byte read from r to alloc, so a step
// streaming a blob through io.Copy (pull from the registry, upload to
// it) reports incremental progress instead of a single jump from 0 to
// done when the copy finishes.
//
// It also implements io.Closer and io.Seeker, passing both through to r
// when r supports them and erroring otherwise: uploadBlob hands this to
// http.NewRequestWithContext as the request body, and net/http only
// keeps a body's io.Seeker (needed by this package's own 401-retry
// rewind logic in registry.rewindBody) when the body's own concrete
// type already implements io.ReadCloser — otherwise http.NewRequest
// boxes it in an io.NopCloser, which drops Seek even if the wrapped
// reader had it. Without this, wrapping an otherwise perfectly
// seekable *os.File or *bytes.Reader body in progressReader would
// silently break the authenticated-retry path.
type progressReader struct {
	r     io.Reader
	read  int64
	alloc *progress.Allocation
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.alloc.Add(int64(n))
	}
	return n, err
}

func (p *progressReader) Close() error {
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	s, ok := p.r.(io.Seeker)
	if !ok {
		return 0, fmt.Errorf("containerize: underlying reader is not seekable")
	}
	pos, err := s.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	// A retry rewind always seeks to the start; correct the allocation
	// for whatever this progressReader had already reported so a retry
	// doesn't double-count bytes re-read the second time through.
	if pos == 0 {
		p.alloc.Add(-p.read)
		p.read = 0
	}
	return pos, nil
}

// blobFromReader adapts an already-digest-verified registry response
// body into a Blob, so the cache's own write-through digesting applies
// uniformly whether the bytes came from the network or from the tar
// builder.
func blobFromReader(r io.Reader, mediaType string) blob.Blob {
	return blob.FromWriterFunc(mediaType, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// fileLayerOpener implements sink.LayerOpener by opening each layer's
// cached file directly; used by Daemon/Tarball sink calls since every
// resolved Layer is cache-backed (image.LayerCached) by the time Build
// returns it.
type fileLayerOpener struct{}

func (fileLayerOpener) Open(l image.Layer) (string, int64, io.ReadCloser, error) {
	f, err := os.Open(l.FilePath)
	if err != nil {
		return "", 0, nil, err
	}
	return l.CompressedDescriptor.Digest.Hex(), l.CompressedDescriptor.Size, f, nil
}

// LayerOpener returns the sink.LayerOpener used to stream img's layers
// into a daemon or tarball sink.
func (c *Containerizer) LayerOpener() fileLayerOpener { return fileLayerOpener{} }
