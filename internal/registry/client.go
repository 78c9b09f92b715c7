// Package registry implements a Docker Registry HTTP API v2 client:
// auth negotiation, manifest/blob reads, cross-repo blob mount, and
// chunked-free single-shot blob upload (§4.4). The client is stateless
// between calls; a Client value owns credentials and cached bearer
// tokens and may be reused across many requests to many hosts.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/imgpipe/imgpipe/internal/credential"
	"github.com/imgpipe/imgpipe/internal/digest"
	"github.com/imgpipe/imgpipe/internal/errs"
)

// acceptedManifestTypes lists every media type the manifest GET accepts,
// in the order the registry should prefer them (§4.4 endpoints used).
var acceptedManifestTypes = strings.Join([]string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v1+prettyjws",
}, ", ")

// Options configures a Client's transport behavior.
type Options struct {
	AllowInsecure           bool
	SendCredentialsOverHTTP bool
	Timeout                 time.Duration
}

// Client speaks the registry HTTP API over a retrying transport for
// idempotent reads and a non-retrying transport for uploads (§4.4
// retry: "Uploads are not retried mid-stream; a failed upload restarts
// the session.").
type Client struct {
	opts   Options
	auth   *authenticator
	reader *http.Client // retryablehttp-backed, for GET/HEAD
	writer *http.Client // plain, for POST/PATCH/PUT
}

// New builds a Client that authenticates using creds.
func New(creds credential.Chain, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = 5
	retry.RetryWaitMin = 250 * time.Millisecond
	retry.RetryWaitMax = 8 * time.Second
	retry.Logger = nil
	retry.CheckRetry = retryablehttp.DefaultRetryPolicy
	reader := retry.StandardClient()
	reader.Timeout = opts.Timeout
	reader.CheckRedirect = crossHostSafeRedirect

	writer := &http.Client{Timeout: opts.Timeout, CheckRedirect: crossHostSafeRedirect}

	return &Client{
		opts:   opts,
		auth:   newAuthenticator(creds, &http.Client{Timeout: opts.Timeout}, opts.SendCredentialsOverHTTP),
		reader: reader,
		writer: writer,
	}
}

// crossHostSafeRedirect implements §4.4's "does NOT send credentials to
// a different host than the one that issued the challenge": once
// net/http's default redirect-following strips neither Authorization
// header automatically across hosts in older Go versions' exact
// behavior varies, so this is explicit.
func crossHostSafeRedirect(req *http.Request, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	// A same-host redirect that downgrades https to http is still a
	// credential leak onto plaintext, not just a cross-host one.
	if req.URL.Host != via[0].URL.Host || (via[0].URL.Scheme == "https" && req.URL.Scheme != "https") {
		req.Header.Del("Authorization")
	}
	if len(via) >= 10 {
		return fmt.Errorf("registry: stopped after 10 redirects")
	}
	return nil
}

func (c *Client) scheme(host string) string {
	if c.opts.AllowInsecure {
		return "http"
	}
	return "https"
}

// do performs req, handling the auth negotiation dance: try
// unauthenticated (or with a cached token), and on 401 parse the
// challenge, authenticate, and retry once.
func (c *Client) do(ctx context.Context, client *http.Client, req *http.Request, scope string) (*http.Response, error) {
	c.auth.applyCached(req, scope)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &errs.RegistryTransportError{Op: req.Method, Host: req.URL.Host, Cause: err}
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	// The 401 may mean a cached token (just applied by applyCached above)
	// has expired or been revoked; invalidate it before handleChallenge
	// decides how to retry, or its own cache lookup would reuse the same
	// stale token instead of fetching a fresh one.
	c.auth.tokens.invalidate(tokenKey{host: req.URL.Hostname(), scope: scope})

	retryReq, err := c.auth.handleChallenge(ctx, resp, req, req.URL.Hostname(), scope)
	if err != nil {
		return nil, err
	}
	if err := rewindBody(req, retryReq); err != nil {
		return nil, err
	}
	resp2, err := client.Do(retryReq)
	if err != nil {
		return nil, &errs.RegistryTransportError{Op: req.Method, Host: req.URL.Host, Cause: err}
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		c.auth.tokens.invalidate(tokenKey{host: req.URL.Hostname(), scope: scope})
		defer resp2.Body.Close()
		return nil, &errs.RegistryUnauthorizedError{Host: req.URL.Hostname(), Repo: scope, Status: resp2.StatusCode}
	}
	return resp2, nil
}

// rewindBody gives retryReq a fresh, unread body when orig carried one:
// orig.Clone (done inside handleChallenge) shares the same already-drained
// Body reader, so without this the retried request after a 401 sends an
// empty body while still advertising the original Content-Length.
func rewindBody(orig, retryReq *http.Request) error {
	if orig.Body == nil || orig.Body == http.NoBody {
		return nil
	}
	if orig.GetBody != nil {
		body, err := orig.GetBody()
		if err != nil {
			return fmt.Errorf("registry: rewinding request body for authenticated retry: %w", err)
		}
		retryReq.Body = body
		return nil
	}
	if seeker, ok := orig.Body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("registry: rewinding request body for authenticated retry: %w", err)
		}
		retryReq.Body = orig.Body
		return nil
	}
	return fmt.Errorf("registry: cannot retry an authenticated request with a non-seekable body")
}

func (c *Client) manifestURL(registryHost, repo, ref string) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme(registryHost), registryHost, repo, ref)
}

func (c *Client) blobURL(registryHost, repo, digest string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme(registryHost), registryHost, repo, digest)
}

// Manifest is a fetched manifest's raw bytes, content type, and digest
// (digest is computed locally from rawBytes, not trusted from headers,
// so the identity used downstream always matches the bytes retained).
type Manifest struct {
	Raw         []byte
	ContentType string
	Digest      digest.Digest
}

// GetManifest fetches the manifest at ref (a tag or digest string) in
// repo on registryHost (§4.4 endpoints: GET /v2/<name>/manifests/<ref>).
func (c *Client) GetManifest(ctx context.Context, registryHost, repo, ref string) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.manifestURL(registryHost, repo, ref), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptedManifestTypes)

	scope := RepositoryScope(repo, "pull")
	resp, err := c.do(ctx, c.reader, req, scope)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorForStatus(resp, registryHost)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.RegistryTransportError{Op: "GET", Host: registryHost, Cause: err}
	}
	return &Manifest{
		Raw:         raw,
		ContentType: resp.Header.Get("Content-Type"),
		Digest:      digest.FromBytes(raw),
	}, nil
}

// HeadBlob probes whether digest exists in repo, without downloading
// it (§4.4: HEAD /v2/<name>/blobs/<digest>).
func (c *Client) HeadBlob(ctx context.Context, registryHost, repo string, d digest.Digest) (exists bool, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(registryHost, repo, d.String()), nil)
	if err != nil {
		return false, 0, err
	}
	scope := RepositoryScope(repo, "pull")
	resp, err := c.do(ctx, c.reader, req, scope)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, resp.ContentLength, nil
	case http.StatusNotFound:
		return false, 0, nil
	default:
		return false, 0, c.errorForStatus(resp, registryHost)
	}
}

// GetBlob streams digest's bytes from repo, verifying the digest as it
// streams and aborting on mismatch (§4.5 PullAndCacheBaseLayer).
func (c *Client) GetBlob(ctx context.Context, registryHost, repo string, d digest.Digest) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(registryHost, repo, d.String()), nil)
	if err != nil {
		return nil, 0, err
	}
	scope := RepositoryScope(repo, "pull")
	resp, err := c.do(ctx, c.reader, req, scope)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, c.errorForStatus(resp, registryHost)
	}
	return &verifyingBody{ReadCloser: resp.Body, verifier: digest.NewVerifier(d), want: d}, resp.ContentLength, nil
}

// verifyingBody wraps a blob response body, checking the streamed
// bytes' digest against want when a Read reaches EOF. Closing the body
// before EOF performs no check.
type verifyingBody struct {
	io.ReadCloser
	verifier *digest.Verifier
	want     digest.Digest
}

func (v *verifyingBody) Read(p []byte) (int, error) {
	n, err := v.ReadCloser.Read(p)
	if n > 0 {
		v.verifier.Write(p[:n])
	}
	if err == io.EOF && !v.verifier.Verified() {
		return n, fmt.Errorf("%w: blob digest mismatch, want %s got %s", errs.ErrCacheCorrupted, v.want, v.verifier.Sum())
	}
	return n, err
}

// MountBlob attempts a cross-repo mount of an existing blob into repo
// from fromRepo (§4.4: POST .../blobs/uploads/?mount=<digest>&from=<repo>).
// mounted is true on 201 Created. If the registry falls through to a
// regular upload (202 Accepted), uploadLocation names the session to
// continue with UploadBlob.
func (c *Client) MountBlob(ctx context.Context, registryHost, repo string, d digest.Digest, fromRepo string) (mounted bool, uploadLocation string, err error) {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/?mount=%s&from=%s", c.scheme(registryHost), registryHost, repo, d.String(), fromRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, "", err
	}
	// A cross-repo mount reads from fromRepo as well as writing to repo,
	// so the token must carry pull scope on fromRepo too or the registry
	// rejects the mount for lack of access to the source repository.
	scope := RepositoryScope(repo, "pull", "push") + " " + RepositoryScope(fromRepo, "pull")
	resp, err := c.do(ctx, c.writer, req, scope)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, "", nil
	case http.StatusAccepted:
		return false, c.resolveLocation(req, resp.Header.Get("Location")), nil
	default:
		return false, "", c.errorForStatus(resp, registryHost)
	}
}

// StartUpload begins a new upload session in repo, returning its
// Location (§4.4: POST /v2/<name>/blobs/uploads/ -> Location).
func (c *Client) StartUpload(ctx context.Context, registryHost, repo string) (location string, err error) {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/", c.scheme(registryHost), registryHost, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	scope := RepositoryScope(repo, "pull", "push")
	resp, err := c.do(ctx, c.writer, req, scope)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", c.errorForStatus(resp, registryHost)
	}
	return c.resolveLocation(req, resp.Header.Get("Location")), nil
}

// UploadBlob streams the blob's bytes to location in one shot (no
// chunking) and commits it under digest, per §4.4: "PATCH the URL with
// the blob bytes (single-shot; chunked upload is not required). PUT
// <location>?digest=<d> to commit."
func (c *Client) UploadBlob(ctx context.Context, repo, location string, d digest.Digest, size int64, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	scope := RepositoryScope(repo, "pull", "push")
	resp, err := c.do(ctx, c.writer, req, scope)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return c.errorForStatus(resp, req.URL.Host)
	}

	commitLocation := c.resolveLocation(req, resp.Header.Get("Location"))
	if commitLocation == "" {
		commitLocation = location
	}
	sep := "?"
	if strings.Contains(commitLocation, "?") {
		sep = "&"
	}
	commitURL := fmt.Sprintf("%s%sdigest=%s", commitLocation, sep, d.String())

	commitReq, err := http.NewRequestWithContext(ctx, http.MethodPut, commitURL, nil)
	if err != nil {
		return err
	}
	commitResp, err := c.do(ctx, c.writer, commitReq, scope)
	if err != nil {
		return err
	}
	defer commitResp.Body.Close()
	if commitResp.StatusCode != http.StatusCreated {
		return c.errorForStatus(commitResp, commitReq.URL.Host)
	}
	return nil
}

// PutManifest pushes manifest bytes under ref with the given content
// type (§4.4: PUT /v2/<name>/manifests/<ref>).
func (c *Client) PutManifest(ctx context.Context, registryHost, repo, ref, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.manifestURL(registryHost, repo, ref), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)

	scope := RepositoryScope(repo, "pull", "push")
	resp, err := c.do(ctx, c.writer, req, scope)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return c.errorForStatus(resp, registryHost)
	}
	return nil
}

// resolveLocation turns a possibly-relative Location header into an
// absolute URL against the request that produced it.
func (c *Client) resolveLocation(req *http.Request, location string) string {
	if location == "" {
		return ""
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	if strings.HasPrefix(location, "/") {
		return fmt.Sprintf("%s://%s%s", req.URL.Scheme, req.URL.Host, location)
	}
	return fmt.Sprintf("%s://%s/%s", req.URL.Scheme, req.URL.Host, location)
}

// registryErrorBody mirrors the distribution spec's error document
// shape: {"errors":[{"code":...,"message":...}]}.
type registryErrorBody struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) errorForStatus(resp *http.Response, host string) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &errs.RegistryUnauthorizedError{Host: host, Status: resp.StatusCode}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body registryErrorBody
	if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil && len(body.Errors) > 0 {
		codes := make([]string, len(body.Errors))
		msg := body.Errors[0].Message
		for i, e := range body.Errors {
			codes[i] = e.Code
		}
		return &errs.RegistryErrorDocument{Host: host, Status: resp.StatusCode, Codes: codes, Message: msg}
	}
	return &errs.RegistryErrorDocument{Host: host, Status: resp.StatusCode, Message: string(raw)}
}
