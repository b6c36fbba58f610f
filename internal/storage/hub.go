package storage

import (
	"net/url"
	"strings"
)

const (
	lfsMediaType    = "application/vnd.git-lfs+json"
	ndjsonMediaType = "application/x-ndjson"
)

// Wire types of the Hub negotiation endpoint.

type preuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sample string `json:"sample"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadResult struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"`
	ShouldIgnore bool   `json:"shouldIgnore"`
}

type preuploadResponse struct {
	Files []preuploadResult `json:"files"`
}

// Wire types of the Git LFS batch API.

type lfsRef struct {
	Name string `json:"name"`
}

type lfsObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchRequest struct {
	Operation string      `json:"operation"`
	Transfers []string    `json:"transfers"`
	HashAlgo  string      `json:"hash_algo"`
	Ref       lfsRef      `json:"ref"`
	Objects   []lfsObject `json:"objects"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header,omitempty"`
}

type lfsObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type lfsBatchObject struct {
	OID     string               `json:"oid"`
	Size    int64                `json:"size"`
	Actions map[string]lfsAction `json:"actions,omitempty"`
	Error   *lfsObjectError      `json:"error,omitempty"`
}

type lfsBatchResponse struct {
	Transfer string           `json:"transfer"`
	Objects  []lfsBatchObject `json:"objects"`
}

type lfsPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type lfsCompletion struct {
	OID   string    `json:"oid"`
	Parts []lfsPart `json:"parts"`
}

type pathsInfoRequest struct {
	Paths []string `json:"paths"`
}

// hubURLs builds every endpoint of one repository on one revision.
type hubURLs struct {
	endpoint string
	repoType string
	repo     string
	revision string
}

// repoURL is the repository's web root. Model repositories have no type
// segment.
func (u hubURLs) repoURL() string {
	if u.repoType == "model" {
		return u.endpoint + "/" + u.repo
	}
	return u.endpoint + "/" + u.repoType + "s/" + u.repo
}

func (u hubURLs) apiURL(op string) string {
	return u.endpoint + "/api/" + u.repoType + "s/" + u.repo + "/" + op + "/" + url.PathEscape(u.revision)
}

func (u hubURLs) preupload() string {
	return u.apiURL("preupload")
}

func (u hubURLs) commit() string {
	return u.apiURL("commit")
}

func (u hubURLs) pathsInfo() string {
	return u.apiURL("paths-info")
}

func (u hubURLs) delete(key string) string {
	return u.apiURL("delete") + "/" + escapeKey(key)
}

func (u hubURLs) batch() string {
	return u.repoURL() + ".git/info/lfs/objects/batch"
}

func (u hubURLs) resolve(key string) string {
	return u.repoURL() + "/resolve/" + url.PathEscape(u.revision) + "/" + escapeKey(key)
}

func (u hubURLs) raw(key string) string {
	return u.repoURL() + "/raw/" + url.PathEscape(u.revision) + "/" + escapeKey(key)
}

// escapeKey escapes each path segment of key, keeping the separators.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
