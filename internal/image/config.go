package image

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgpipe/imgpipe/internal/digest"
)

// configJSONImage mirrors ocispec.Image field-for-field, but with Config
// typed as imageConfigJSON instead of the upstream ocispec.ImageConfig so
// that Healthcheck (which image-spec has no field for) still serializes.
// ocispec.Image.Config is a concrete struct, not an interface, so there is
// no way to extend it in place; the whole top-level shape is mirrored here
// instead.
type configJSONImage struct {
	Created      *time.Time        `json:"created,omitempty"`
	Author       string            `json:"author,omitempty"`
	Architecture string            `json:"architecture"`
	Variant      string            `json:"variant,omitempty"`
	OS           string            `json:"os"`
	OSVersion    string            `json:"os.version,omitempty"`
	OSFeatures   []string          `json:"os.features,omitempty"`
	Config       imageConfigJSON   `json:"config,omitempty"`
	RootFS       ocispec.RootFS    `json:"rootfs"`
	History      []ocispec.History `json:"history,omitempty"`
}

// imageConfigJSON embeds the upstream ocispec.ImageConfig and adds the
// Docker/OCI Healthcheck field image-spec omits (§6 "config.Healthcheck").
type imageConfigJSON struct {
	ocispec.ImageConfig
	Healthcheck *healthcheckJSON `json:"Healthcheck,omitempty"`
}

// healthcheckJSON mirrors Docker's container config Healthcheck shape,
// durations marshaled as nanosecond counts per Docker's own encoding.
type healthcheckJSON struct {
	Test        []string      `json:"Test,omitempty"`
	Interval    time.Duration `json:"Interval,omitempty"`
	Timeout     time.Duration `json:"Timeout,omitempty"`
	StartPeriod time.Duration `json:"StartPeriod,omitempty"`
	Retries     int           `json:"Retries,omitempty"`
}

// ConfigJSON renders img's container configuration as OCI/Docker v2
// config JSON: the bytes an image's config descriptor digests (§3, §6).
// Layer ordering in img.Layers becomes rootfs.diff_ids order and one
// history entry per layer, matching what every registry and daemon
// expects to reconcile against the manifest's layer list.
func ConfigJSON(img Image) ([]byte, BlobDescriptor, error) {
	diffIDs := make([]godigest.Digest, len(img.Layers))
	history := make([]ocispec.History, len(img.Layers))
	for i, l := range img.Layers {
		if !l.HasDiffID() {
			return nil, BlobDescriptor{}, fmt.Errorf("image: layer %d missing diff id, cannot emit config", i)
		}
		diffIDs[i] = l.DiffID.GoDigest()
		created := img.Created
		history[i] = ocispec.History{Created: &created}
	}

	cfg := configJSONImage{
		Created:      &img.Created,
		Architecture: orDefault(img.Architecture, "amd64"),
		OS:           orDefault(img.OS, "linux"),
		Config: imageConfigJSON{
			ImageConfig: ocispec.ImageConfig{
				Env:          envList(img.Env),
				Entrypoint:   img.Entrypoint,
				Cmd:          img.Cmd,
				WorkingDir:   img.WorkingDir,
				User:         img.User,
				Labels:       img.Labels,
				ExposedPorts: portSet(img.ExposedPorts),
				Volumes:      portSet(img.Volumes),
			},
			Healthcheck: healthcheckJSONOf(img.Healthcheck),
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		History: history,
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, BlobDescriptor{}, fmt.Errorf("image: marshaling config: %w", err)
	}

	if len(img.BaseConfigRaw) > 0 {
		raw, err = mergeBaseConfigFields(raw, img.BaseConfigRaw)
		if err != nil {
			return nil, BlobDescriptor{}, fmt.Errorf("image: merging base config fields: %w", err)
		}
	}

	return raw, BlobDescriptor{
		Size:      int64(len(raw)),
		Digest:    digest.FromBytes(raw),
		MediaType: "application/vnd.oci.image.config.v1+json",
	}, nil
}

// mergeBaseConfigFields adds to built any top-level or nested "config"
// object key present in baseRaw that built does not already set, per §6
// ("preserved verbatim where they do not conflict"). This is how vendor
// extensions with no image-spec field of their own — OnBuild, StopSignal,
// Shell, and the like — survive a rebuild instead of being silently
// dropped. Conflicting keys (anything built already set, including the
// zero-value fields ConfigJSON always emits) are left alone: built wins.
func mergeBaseConfigFields(built, baseRaw []byte) ([]byte, error) {
	var builtTop, baseTop map[string]json.RawMessage
	if err := json.Unmarshal(built, &builtTop); err != nil {
		return nil, fmt.Errorf("decoding built config: %w", err)
	}
	if err := json.Unmarshal(baseRaw, &baseTop); err != nil {
		return nil, fmt.Errorf("decoding base config: %w", err)
	}

	if builtConfigField, ok := builtTop["config"]; ok {
		if baseConfigField, ok := baseTop["config"]; ok {
			merged, err := mergeRawObjects(builtConfigField, baseConfigField)
			if err != nil {
				return nil, fmt.Errorf("decoding config object: %w", err)
			}
			builtTop["config"] = merged
		}
	}
	for k, v := range baseTop {
		if _, conflict := builtTop[k]; !conflict {
			builtTop[k] = v
		}
	}

	return json.Marshal(builtTop)
}

// mergeRawObjects adds to built any key present in base that built does
// not already set; built's own keys always win.
func mergeRawObjects(built, base json.RawMessage) (json.RawMessage, error) {
	var builtFields, baseFields map[string]json.RawMessage
	if err := json.Unmarshal(built, &builtFields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(base, &baseFields); err != nil {
		return nil, err
	}
	for k, v := range baseFields {
		if _, conflict := builtFields[k]; !conflict {
			builtFields[k] = v
		}
	}
	merged, err := json.Marshal(builtFields)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func healthcheckJSONOf(h *Healthcheck) *healthcheckJSON {
	if h == nil {
		return nil
	}
	return &healthcheckJSON{
		Test:        h.Test,
		Interval:    h.Interval,
		Timeout:     h.Timeout,
		StartPeriod: h.StartPeriod,
		Retries:     h.Retries,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func portSet(set map[string]struct{}) map[string]struct{} {
	if len(set) == 0 {
		return nil
	}
	return set
}
