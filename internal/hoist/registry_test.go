package hoist

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
)

// fakeRegistry is a minimal in-memory OCI distribution endpoint: just
// enough of the protocol for the client's manifest, blob, tag, and
// upload traffic.
type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	manifests map[string][]byte
	tags      map[string][]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		blobs:     make(map[string][]byte),
		manifests: make(map[string][]byte),
		tags:      make(map[string][]string),
	}
}

func (f *fakeRegistry) server() *httptest.Server {
	return httptest.NewServer(f)
}

func notFound(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"errors":[{"code":%q,"message":"not found"}]}`, code)
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v2")
	if path == "/" || path == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	path = strings.TrimPrefix(path, "/")

	switch {
	case strings.Contains(path, "/manifests/"):
		repo, ref, _ := strings.Cut(path, "/manifests/")
		f.handleManifest(w, r, repo, ref)

	case strings.HasSuffix(path, "/tags/list"):
		repo := strings.TrimSuffix(path, "/tags/list")
		tags, ok := f.tags[repo]
		if !ok {
			notFound(w, "NAME_UNKNOWN")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"name": repo, "tags": tags})

	case strings.Contains(path, "/blobs/uploads"):
		repo, _, _ := strings.Cut(path, "/blobs/uploads")
		switch r.Method {
		case http.MethodPost:
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/session", repo))
			w.WriteHeader(http.StatusAccepted)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			dgst := r.URL.Query().Get("digest")
			f.blobs[dgst] = body
			w.Header().Set("Docker-Content-Digest", dgst)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case strings.Contains(path, "/blobs/"):
		_, dgst, _ := strings.Cut(path, "/blobs/")
		body, ok := f.blobs[dgst]
		if !ok {
			notFound(w, "BLOB_UNKNOWN")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", dgst)
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(body)

	default:
		notFound(w, "NAME_UNKNOWN")
	}
}

func (f *fakeRegistry) handleManifest(w http.ResponseWriter, r *http.Request, repo string, ref string) {
	key := repo + "|" + ref
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		body, ok := f.manifests[key]
		if !ok {
			notFound(w, "MANIFEST_UNKNOWN")
			return
		}
		dgst := digest.FromBytes(body)
		w.Header().Set("Content-Type", FeatureArtifactMediaType)
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(body)

	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		dgst := digest.FromBytes(body)
		f.manifests[key] = body
		f.manifests[repo+"|"+dgst.String()] = body
		if !strings.HasPrefix(ref, "sha256:") {
			var present bool
			for _, tag := range f.tags[repo] {
				if tag == ref {
					present = true
					break
				}
			}
			if !present {
				f.tags[repo] = append(f.tags[repo], ref)
			}
		}
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// plainHTTPClient returns a RegistryClient that talks plain HTTP to
// every registry; test servers have no TLS.
func plainHTTPClient() *RegistryClient {
	c := NewRegistryClient()
	c.PlainHTTP = func(string) bool { return true }
	return c
}
