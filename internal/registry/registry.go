// Package registry implements the OCI distribution client of spec
// §4.7: session-based blob/manifest transfer against a v2 registry,
// with bearer-token re-authentication on a single 401 and chunked
// blob upload. Grounded on
// original_source/oci_util/src/distribution/client.rs.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	ocidigest "github.com/opencontainers/go-digest"

	"github.com/banksean/xc/internal/digest"
	"github.com/banksean/xc/internal/ociimage"
)

// UploadChunkSize matches the teacher's 2 MiB PATCH chunk size.
const UploadChunkSize = 2 * 1024 * 1024

// DigestMismatchError reports a blob whose downloaded content does
// not hash to the digest it was requested under.
type DigestMismatchError struct {
	Expected digest.Digest
	Got      digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("registry: digest mismatch, expected %s got %s", e.Expected, e.Got)
}

// UnsuccessfulResponseError wraps a non-2xx HTTP response.
type UnsuccessfulResponseError struct {
	Status int
	Body   string
}

func (e *UnsuccessfulResponseError) Error() string {
	return fmt.Sprintf("registry: unsuccessful response: %d: %s", e.Status, e.Body)
}

// BasicAuth carries registry login credentials used only against the
// bearer-token realm, never the registry API itself.
type BasicAuth struct {
	Username string
	Password string
}

// Registry is a configured connection to one v2 registry host.
type Registry struct {
	BaseURL         string
	HTTPClient      *http.Client
	BasicAuth       *BasicAuth
	UploadChunkSize int
}

func New(baseURL string, basicAuth *BasicAuth) *Registry {
	return &Registry{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		HTTPClient:      http.DefaultClient,
		BasicAuth:       basicAuth,
		UploadChunkSize: UploadChunkSize,
	}
}

// NewSession begins a session scoped to one repository path.
func (r *Registry) NewSession(repository string) *Session {
	return &Session{registry: r, repository: repository}
}

type dockerAuthToken struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t dockerAuthToken) bearer() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// Session is one authenticated conversation with a repository; the
// bearer token acquired on first 401 is reused for later requests.
type Session struct {
	registry     *Registry
	repository   string
	bearerToken  string
	hasBearer    bool
}

// parseCommaSeparatedQuotedKV parses WWW-Authenticate-style fields
// ("Bearer realm=\"...\",service=\"...\",scope=\"...\"") into ordered
// key/value pairs, matching the teacher's hand-rolled grammar exactly
// (no general HTTP structured-field parser handles the unquoted
// "Bearer realm" key the way this format needs).
func parseCommaSeparatedQuotedKV(input string) map[string]string {
	out := make(map[string]string)
	for {
		eq := strings.Index(input, "=")
		if eq < 0 {
			break
		}
		key := input[:eq]
		rest := input[eq+1:]
		if !strings.HasPrefix(rest, "\"") {
			break
		}
		rest = rest[1:]
		end := strings.Index(rest, "\"")
		if end < 0 {
			break
		}
		value := rest[:end]
		out[key] = value
		rest = rest[end+1:]
		if !strings.HasPrefix(rest, ",") {
			break
		}
		input = rest[1:]
	}
	return out
}

func (s *Session) tryAuthenticate(ctx context.Context, wwwAuth string) error {
	fields := parseCommaSeparatedQuotedKV(wwwAuth)
	realm, ok := fields["Bearer realm"]
	if !ok {
		return nil
	}
	scope := fields["scope"]
	service := fields["service"]

	u, err := url.Parse(realm)
	if err != nil {
		return fmt.Errorf("registry: parse auth realm: %w", err)
	}
	q := u.Query()
	q.Set("service", service)
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if s.registry.BasicAuth != nil {
		req.SetBasicAuth(s.registry.BasicAuth.Username, s.registry.BasicAuth.Password)
	}
	resp, err := s.registry.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: auth request: %w", err)
	}
	defer resp.Body.Close()

	var tok dockerAuthToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("registry: decode auth token: %w", err)
	}
	if tok.bearer() == "" {
		return fmt.Errorf("registry: missing bearer token in auth response")
	}
	s.bearerToken = tok.bearer()
	s.hasBearer = true
	return nil
}

// do sends req once with the current bearer token attached, if any.
func (s *Session) do(req *http.Request) (*http.Response, error) {
	if s.hasBearer {
		req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	}
	return s.registry.HTTPClient.Do(req)
}

// doWithTryAuth sends req, and on a single 401 challenge acquires a
// bearer token and retries exactly once — the teacher never loops
// re-auth beyond one retry.
func (s *Session) doWithTryAuth(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	req, err := newReq()
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: request: %w", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	wwwAuth := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if wwwAuth == "" {
		return nil, fmt.Errorf("registry: response missing WWW-Authenticate header")
	}
	if err := s.tryAuthenticate(ctx, wwwAuth); err != nil {
		return nil, err
	}
	req2, err := newReq()
	if err != nil {
		return nil, err
	}
	resp2, err := s.do(req2)
	if err != nil {
		return nil, fmt.Errorf("registry: retry request: %w", err)
	}
	return resp2, nil
}

func (s *Session) blobURL(d digest.Digest) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", s.registry.BaseURL, s.repository, d)
}

func (s *Session) manifestURL(reference string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", s.registry.BaseURL, s.repository, reference)
}

func drain(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}

// HeadBlob reports whether d already exists in the repository, used
// to skip redundant layer uploads (spec §4.7 dedup rule).
func (s *Session) HeadBlob(ctx context.Context, d digest.Digest) (bool, error) {
	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, s.blobURL(d), nil)
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
}

// UploadContent streams r to a newly initiated blob upload session,
// hashing as it goes, and returns the resulting descriptor.
func (s *Session) UploadContent(ctx context.Context, mediaType string, r io.Reader) (ociimage.Descriptor, error) {
	location, err := s.initiateUpload(ctx)
	if err != nil {
		return ociimage.Descriptor{}, err
	}

	h := ocidigest.Canonical.Digester()
	cursor := 0
	buf := make([]byte, s.registry.UploadChunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			h.Hash().Write(buf[:n])
			rangeHeader := fmt.Sprintf("%d-%d", cursor, cursor+n-1)
			loc, err := s.patchChunk(ctx, location, rangeHeader, buf[:n])
			if err != nil {
				return ociimage.Descriptor{}, err
			}
			location = loc
			cursor += n
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return ociimage.Descriptor{}, fmt.Errorf("registry: read upload body: %w", readErr)
		}
		if n < len(buf) {
			break
		}
	}

	d, err := digest.Parse(h.Digest().String())
	if err != nil {
		return ociimage.Descriptor{}, err
	}
	if err := s.finalizeUpload(ctx, location, d); err != nil {
		return ociimage.Descriptor{}, err
	}
	return ociimage.Descriptor{MediaType: mediaType, Size: int64(cursor), Digest: d}, nil
}

// UploadContentKnownDigest is the variant used when the caller already
// knows the blob's digest (e.g. a layer archive computed in advance).
func (s *Session) UploadContentKnownDigest(ctx context.Context, d digest.Digest, mediaType string, r io.Reader) (ociimage.Descriptor, error) {
	location, err := s.initiateUpload(ctx)
	if err != nil {
		return ociimage.Descriptor{}, err
	}

	cursor := 0
	buf := make([]byte, s.registry.UploadChunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			rangeHeader := fmt.Sprintf("%d-%d", cursor, cursor+n-1)
			loc, err := s.patchChunk(ctx, location, rangeHeader, buf[:n])
			if err != nil {
				return ociimage.Descriptor{}, err
			}
			location = loc
			cursor += n
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return ociimage.Descriptor{}, fmt.Errorf("registry: read upload body: %w", readErr)
		}
		if n < len(buf) {
			break
		}
	}

	if err := s.finalizeUpload(ctx, location, d); err != nil {
		return ociimage.Descriptor{}, err
	}
	return ociimage.Descriptor{MediaType: mediaType, Size: int64(cursor), Digest: d}, nil
}

func (s *Session) initiateUpload(ctx context.Context) (string, error) {
	uploadsURL := fmt.Sprintf("%s/v2/%s/blobs/uploads/", s.registry.BaseURL, s.repository)
	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, uploadsURL, nil)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
	return s.extractLocation(resp)
}

func (s *Session) patchChunk(ctx context.Context, location, rangeHeader string, chunk []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(chunk))
	if err != nil {
		return "", err
	}
	req.Header.Set("Range", rangeHeader)
	req.Header.Set("content-type", "application/octet-stream")
	req.ContentLength = int64(len(chunk))
	resp, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("registry: patch chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
	return s.extractLocation(resp)
}

func (s *Session) finalizeUpload(ctx context.Context, location string, d digest.Digest) error {
	sep := "?"
	if strings.Contains(location, "?") {
		sep = "&"
	}
	finalURL := fmt.Sprintf("%s%sdigest=%s", location, sep, url.QueryEscape(d.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, finalURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("registry: finalize upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
	return nil
}

func (s *Session) extractLocation(resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("registry: response missing required header: Location")
	}
	if strings.HasPrefix(loc, "/") {
		return s.registry.BaseURL + loc, nil
	}
	return loc, nil
}

// QueryManifest fetches a manifest/index/artifact by tag or digest,
// dispatching on the response content-type, and returns nil if the
// reference does not exist.
func (s *Session) QueryManifest(ctx context.Context, reference string) (*ociimage.ManifestVariant, error) {
	accept := strings.Join([]string{
		string(ociimage.MediaTypeOCIIndex),
		string(ociimage.MediaTypeOCIManifest),
		ociimage.MediaTypeOCIArtifactManifest,
		ociimage.MediaTypeDockerManifest,
		ociimage.MediaTypeDockerManifestList,
	}, ",")

	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.manifestURL(reference), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", accept)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: read manifest body: %w", err)
	}

	var v ociimage.ManifestVariant
	switch contentType {
	case string(ociimage.MediaTypeOCIManifest), ociimage.MediaTypeDockerManifest:
		var m ociimage.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("registry: decode manifest: %w", err)
		}
		v.Manifest = &m
	case string(ociimage.MediaTypeOCIIndex), ociimage.MediaTypeDockerManifestList:
		var idx ociimage.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("registry: decode index: %w", err)
		}
		v.Index = &idx
	case ociimage.MediaTypeOCIArtifactManifest:
		var a ociimage.Artifact
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("registry: decode artifact: %w", err)
		}
		v.Artifact = &a
	default:
		return nil, fmt.Errorf("registry: unsupported content-type: %s", contentType)
	}
	return &v, nil
}

// QueryManifestTraced resolves reference to a concrete image manifest,
// recursively following an index via filter until it bottoms out at a
// non-index manifest, or returns nil if filter rejects every branch.
func (s *Session) QueryManifestTraced(ctx context.Context, reference string, filter func(*ociimage.Index) *ociimage.ManifestDescriptor) (*ociimage.Manifest, error) {
	variant, err := s.QueryManifest(ctx, reference)
	if err != nil {
		return nil, err
	}
	for variant != nil && variant.Index != nil {
		desc := filter(variant.Index)
		if desc == nil {
			return nil, nil
		}
		variant, err = s.QueryManifest(ctx, desc.Digest.String())
		if err != nil {
			return nil, err
		}
	}
	if variant == nil {
		return nil, nil
	}
	return variant.Manifest, nil
}

// RegisterManifest PUTs manifest under reference and returns its descriptor.
func (s *Session) RegisterManifest(ctx context.Context, reference string, manifest *ociimage.Manifest) (ociimage.Descriptor, error) {
	body, err := json.Marshal(manifest)
	if err != nil {
		return ociimage.Descriptor{}, fmt.Errorf("registry: marshal manifest: %w", err)
	}
	d := digest.Of(body)
	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.manifestURL(reference), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", string(ociimage.MediaTypeOCIManifest))
		req.ContentLength = int64(len(body))
		return req, nil
	})
	if err != nil {
		return ociimage.Descriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ociimage.Descriptor{}, &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
	return ociimage.Descriptor{MediaType: string(ociimage.MediaTypeOCIManifest), Size: int64(len(body)), Digest: d}, nil
}

// RegisterManifestList PUTs an index under reference.
func (s *Session) RegisterManifestList(ctx context.Context, reference string, index *ociimage.Index) (ociimage.Descriptor, error) {
	body, err := json.Marshal(index)
	if err != nil {
		return ociimage.Descriptor{}, fmt.Errorf("registry: marshal index: %w", err)
	}
	d := digest.Of(body)
	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.manifestURL(reference), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", string(ociimage.MediaTypeOCIIndex))
		req.ContentLength = int64(len(body))
		return req, nil
	})
	if err != nil {
		return ociimage.Descriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ociimage.Descriptor{}, &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
	return ociimage.Descriptor{MediaType: string(ociimage.MediaTypeOCIIndex), Size: int64(len(body)), Digest: d}, nil
}

// MergeManifestList folds descriptor for platform into whatever
// currently sits at tag: if it's already an index, replace any
// existing entry for the same platform; if it's a single manifest,
// promote it into a two-entry index; if nothing exists, create a
// fresh single-entry index.
func (s *Session) MergeManifestList(ctx context.Context, descriptor ociimage.Descriptor, platform ociimage.Platform, tag string) (ociimage.Descriptor, error) {
	variant, err := s.QueryManifest(ctx, tag)
	if err != nil {
		return ociimage.Descriptor{}, err
	}

	newEntry := ociimage.ManifestDescriptor{
		MediaType: descriptor.MediaType,
		Size:      descriptor.Size,
		Digest:    descriptor.Digest,
		Platform:  platform,
	}

	var index ociimage.Index
	switch {
	case variant != nil && variant.Index != nil:
		index = *variant.Index
		var kept []ociimage.ManifestDescriptor
		for _, m := range index.Manifests {
			if !platformCompatible(m.Platform, platform) {
				kept = append(kept, m)
			}
		}
		index.Manifests = append(kept, newEntry)
	case variant != nil && variant.Manifest != nil:
		index.SchemaVersion = 2
		index.MediaType = string(ociimage.MediaTypeOCIIndex)
		index.Manifests = []ociimage.ManifestDescriptor{newEntry}
	default:
		index.SchemaVersion = 2
		index.MediaType = string(ociimage.MediaTypeOCIIndex)
		index.Manifests = []ociimage.ManifestDescriptor{newEntry}
	}

	return s.RegisterManifestList(ctx, tag, &index)
}

func platformCompatible(a, b ociimage.Platform) bool {
	return a.OS == b.OS && a.Architecture == b.Architecture
}

// DownloadBlob fetches d into w, verifying the digest as bytes stream
// through, returning a *DigestMismatchError if the content doesn't match.
func (s *Session) DownloadBlob(ctx context.Context, d digest.Digest, w io.Writer) error {
	resp, err := s.fetchBlob(ctx, d)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	h := ocidigest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(w, h.Hash()), resp.Body); err != nil {
		return fmt.Errorf("registry: download blob %s: %w", d, err)
	}
	got, err := digest.Parse(h.Digest().String())
	if err != nil {
		return err
	}
	if got != d {
		return &DigestMismatchError{Expected: d, Got: got}
	}
	return nil
}

// FetchBlobAs downloads d and unmarshals it as JSON into v, returning
// ok=false if the blob does not exist.
func (s *Session) FetchBlobAs(ctx context.Context, d digest.Digest, v any) (ok bool, err error) {
	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.blobURL(d), nil)
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}

	h := ocidigest.Canonical.Digester()
	buf := &bytes.Buffer{}
	if _, err := io.Copy(io.MultiWriter(buf, h.Hash()), resp.Body); err != nil {
		return false, fmt.Errorf("registry: read blob %s: %w", d, err)
	}
	got, err := digest.Parse(h.Digest().String())
	if err != nil {
		return false, err
	}
	if got != d {
		return false, &DigestMismatchError{Expected: d, Got: got}
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		return false, fmt.Errorf("registry: unmarshal blob %s: %w", d, err)
	}
	return true, nil
}

// FetchBlob returns the raw response for a blob GET, for streaming
// callers that want to drive their own reads (e.g. layer extraction).
func (s *Session) FetchBlob(ctx context.Context, d digest.Digest) (*http.Response, error) {
	return s.fetchBlob(ctx, d)
}

func (s *Session) fetchBlob(ctx context.Context, d digest.Digest) (*http.Response, error) {
	resp, err := s.doWithTryAuth(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.blobURL(d), nil)
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &UnsuccessfulResponseError{Status: resp.StatusCode, Body: drain(resp)}
	}
	return resp, nil
}
