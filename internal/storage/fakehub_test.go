package storage_test

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	backend "picx/internal/storage"

	"github.com/stretchr/testify/require"
)

const (
	testRepo  = "picx/images"
	testToken = "hf_test_token"
	testBase  = "https://img.example.com"
)

// fakeHub is an in-memory Hub repository speaking the negotiation, LFS batch,
// multipart, commit, read and delete endpoints.
type fakeHub struct {
	t      *testing.T
	server *httptest.Server

	mu sync.Mutex

	// Behaviour knobs, set before the first request.
	uploadMode   string
	chunkSize    int64
	lfsPresent   bool
	verifyAction bool
	dropETagPart int
	hiddenProbes int
	neverVisible bool
	resolveFails bool

	// Non-zero statuses make the matching endpoint fail.
	partStatus     int
	completeStatus int
	commitStatus   int

	files map[string][]byte
	lfs   map[string][]byte
	parts map[int][]byte

	calls       []string
	partURLs    []string
	completions []completion
	ranges      []string
	resolveHead int
	rawHead     int
	pathsInfo   int
	commits     []string
}

type completion struct {
	OID   string `json:"oid"`
	Parts []struct {
		PartNumber int    `json:"partNumber"`
		ETag       string `json:"etag"`
	} `json:"parts"`
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()

	h := &fakeHub{
		t:          t,
		uploadMode: "regular",
		files:      map[string][]byte{},
		lfs:        map[string][]byte{},
		parts:      map[int][]byte{},
	}

	api := "/api/datasets/" + testRepo
	web := "/datasets/" + testRepo

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api+"/preupload/main", h.authorized(h.handlePreupload))
	mux.HandleFunc("POST "+web+".git/info/lfs/objects/batch", h.authorized(h.handleBatch))
	mux.HandleFunc("PUT /parts/{n}", h.handlePart)
	mux.HandleFunc("PUT /upload/{oid}", h.handleUpload)
	mux.HandleFunc("POST /complete", h.authorized(h.handleComplete))
	mux.HandleFunc("POST /verify", h.authorized(h.handleVerify))
	mux.HandleFunc("POST "+api+"/commit/main", h.authorized(h.handleCommit))
	mux.HandleFunc("POST "+api+"/paths-info/main", h.authorized(h.handlePathsInfo))
	mux.HandleFunc("POST "+api+"/delete/main/{key...}", h.authorized(h.handleDelete))
	mux.HandleFunc("GET "+web+"/resolve/main/{key...}", h.authorized(h.handleRead("resolve")))
	mux.HandleFunc("GET "+web+"/raw/main/{key...}", h.authorized(h.handleRead("raw")))

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)

	return h
}

// provider returns a repository provider pointed at the fake hub with a
// short verification delay.
func (h *fakeHub) provider(t *testing.T) *backend.RepositoryProvider {
	t.Helper()

	p, err := backend.NewRepositoryProvider(backend.RepositoryConfig{
		Token:          testToken,
		Repo:           testRepo,
		Endpoint:       h.server.URL,
		VerifyAttempts: 10,
		VerifyDelay:    time.Millisecond,
		HTTPClient:     h.server.Client(),
	}, testBase)
	require.NoError(t, err, "NewRepositoryProvider error")
	return p
}

func (h *fakeHub) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

// count returns how many recorded calls start with prefix.
func (h *fakeHub) count(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (h *fakeHub) callLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHub) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *fakeHub) handlePreupload(w http.ResponseWriter, r *http.Request) {
	h.record("preupload")

	var req struct {
		Files []struct {
			Path   string `json:"path"`
			Size   int64  `json:"size"`
			Sample string `json:"sample"`
		} `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Files) != 1 {
		http.Error(w, "bad preupload request", http.StatusBadRequest)
		return
	}

	sample, err := base64.StdEncoding.DecodeString(req.Files[0].Sample)
	if err != nil || len(sample) > 512 {
		http.Error(w, "bad sample", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"files": []map[string]any{{
			"path":       req.Files[0].Path,
			"uploadMode": h.uploadMode,
		}},
	})
}

func (h *fakeHub) handleBatch(w http.ResponseWriter, r *http.Request) {
	h.record("batch")

	var req struct {
		Operation string   `json:"operation"`
		Transfers []string `json:"transfers"`
		HashAlgo  string   `json:"hash_algo"`
		Ref       struct {
			Name string `json:"name"`
		} `json:"ref"`
		Objects []struct {
			OID  string `json:"oid"`
			Size int64  `json:"size"`
		} `json:"objects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Objects) != 1 {
		http.Error(w, "bad batch request", http.StatusBadRequest)
		return
	}
	if req.Operation != "upload" || req.HashAlgo != "sha_256" || req.Ref.Name != "main" {
		http.Error(w, "unexpected batch parameters", http.StatusBadRequest)
		return
	}

	obj := map[string]any{"oid": req.Objects[0].OID, "size": req.Objects[0].Size}
	actions := map[string]any{}

	switch {
	case h.lfsPresent:
		// No actions: the object is already stored.
	case h.chunkSize > 0:
		n := int((req.Objects[0].Size + h.chunkSize - 1) / h.chunkSize)
		header := map[string]string{"chunk_size": strconv.FormatInt(h.chunkSize, 10)}
		for i := 1; i <= n; i++ {
			header[strconv.Itoa(i)] = fmt.Sprintf("%s/parts/%d", h.server.URL, i)
		}
		actions["upload"] = map[string]any{"href": h.server.URL + "/complete", "header": header}
	default:
		actions["upload"] = map[string]any{
			"href":   h.server.URL + "/upload/" + req.Objects[0].OID,
			"header": map[string]string{"X-Upload-Token": "single"},
		}
	}

	if h.verifyAction && !h.lfsPresent {
		actions["verify"] = map[string]any{"href": h.server.URL + "/verify"}
	}
	if len(actions) > 0 {
		obj["actions"] = actions
	}

	w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
	writeJSON(w, map[string]any{"transfer": "multipart", "objects": []any{obj}})
}

func (h *fakeHub) handlePart(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		http.Error(w, "bad part", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "pre-signed urls take no authorization header", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(r.Body)
	require.NoError(h.t, err)

	h.record(fmt.Sprintf("part %d", n))
	if h.partStatus != 0 {
		http.Error(w, "signature expired", h.partStatus)
		return
	}

	h.mu.Lock()
	h.parts[n] = data
	h.partURLs = append(h.partURLs, r.URL.Path)
	h.mu.Unlock()

	if n != h.dropETagPart {
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Upload-Token") != "single" {
		http.Error(w, "missing action header", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(r.Body)
	require.NoError(h.t, err)

	h.record("upload")
	h.mu.Lock()
	h.lfs[r.PathValue("oid")] = data
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.record("complete")
	if h.completeStatus != 0 {
		http.Error(w, "parts do not match", h.completeStatus)
		return
	}

	var req completion
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad completion", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.completions = append(h.completions, req)
	var assembled []byte
	for _, part := range req.Parts {
		if part.ETag != fmt.Sprintf("etag-%d", part.PartNumber) {
			http.Error(w, "etag mismatch", http.StatusBadRequest)
			return
		}
		assembled = append(assembled, h.parts[part.PartNumber]...)
	}
	h.lfs[req.OID] = assembled
	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) handleVerify(w http.ResponseWriter, r *http.Request) {
	h.record("verify")

	var req struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad verify", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if int64(len(h.lfs[req.OID])) != req.Size {
		http.Error(w, "object not uploaded", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) handleCommit(w http.ResponseWriter, r *http.Request) {
	h.record("commit")
	if h.commitStatus != 0 {
		http.Error(w, "revision main is protected", h.commitStatus)
		return
	}

	if r.Header.Get("Content-Type") != "application/x-ndjson" {
		http.Error(w, "commit must be ndjson", http.StatusUnsupportedMediaType)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var keys []string
	for scanner.Scan() {
		var line struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		require.NoError(h.t, json.Unmarshal(scanner.Bytes(), &line))
		keys = append(keys, line.Key)

		switch line.Key {
		case "header":
			var header struct {
				Summary string `json:"summary"`
			}
			require.NoError(h.t, json.Unmarshal(line.Value, &header))
			h.commits = append(h.commits, header.Summary)
		case "file":
			var file struct {
				Path     string `json:"path"`
				Content  string `json:"content"`
				Encoding string `json:"encoding"`
			}
			require.NoError(h.t, json.Unmarshal(line.Value, &file))
			data, err := base64.StdEncoding.DecodeString(file.Content)
			require.NoError(h.t, err)
			h.files[file.Path] = data
		case "lfsFile":
			var file struct {
				Path string `json:"path"`
				Algo string `json:"algo"`
				OID  string `json:"oid"`
				Size int64  `json:"size"`
			}
			require.NoError(h.t, json.Unmarshal(line.Value, &file))
			data, ok := h.lfs[file.OID]
			if file.Algo != "sha256" || !ok || int64(len(data)) != file.Size {
				http.Error(w, "lfs object missing", http.StatusUnprocessableEntity)
				return
			}
			h.files[file.Path] = data
		}
	}
	require.NoError(h.t, scanner.Err())

	if len(keys) != 2 || keys[0] != "header" {
		http.Error(w, "expected header and one file", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]string{"commitOid": "c0ffee", "commitUrl": h.server.URL + "/commit/c0ffee"})
}

// visible reports whether key can be read yet. Callers hold h.mu.
func (h *fakeHub) visible(key string) bool {
	if h.neverVisible || h.resolveHead <= h.hiddenProbes {
		return false
	}
	_, ok := h.files[key]
	return ok
}

func (h *fakeHub) handleRead(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		h.record(kind + " " + r.Method)

		h.mu.Lock()
		if r.Method == http.MethodHead && kind == "resolve" {
			h.resolveHead++
		}
		if r.Method == http.MethodHead && kind == "raw" {
			h.rawHead++
		}
		if rng := r.Header.Get("Range"); rng != "" {
			h.ranges = append(h.ranges, rng)
		}
		data, ok := h.files[key]
		ok = ok && h.visible(key)
		h.mu.Unlock()

		if kind == "resolve" && h.resolveFails {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		if !ok {
			http.Error(w, "entry not found", http.StatusNotFound)
			return
		}

		status := http.StatusOK
		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int
			_, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
			require.NoError(h.t, err)
			data = data[start : end+1]
			status = http.StatusPartialContent
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(data)
		}
	}
}

func (h *fakeHub) handlePathsInfo(w http.ResponseWriter, r *http.Request) {
	h.record("paths-info")

	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad paths-info", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.pathsInfo++
	entries := []map[string]string{}
	for _, p := range req.Paths {
		if h.visible(p) {
			entries = append(entries, map[string]string{"type": "file", "path": p})
		}
	}
	h.mu.Unlock()

	writeJSON(w, entries)
}

func (h *fakeHub) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	h.record("delete")

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.files[key]; !ok {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	delete(h.files, key)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	_ = json.NewEncoder(w).Encode(v)
}
