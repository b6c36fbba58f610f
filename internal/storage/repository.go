package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"picx/pkg/storage"
)

const (
	DefaultHubEndpoint    = "https://huggingface.co"
	DefaultRepoType       = "dataset"
	DefaultRevision       = "main"
	DefaultVerifyAttempts = 10
	DefaultVerifyDelay    = time.Second
	DefaultHTTPTimeout    = 60 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in errors.
	maxErrorBody = 4 << 10
)

// RepositoryConfig holds the settings of a Hub repository used as storage.
type RepositoryConfig struct {
	Token    string `toml:"token"`
	Repo     string `toml:"repo"`
	Endpoint string `toml:"endpoint"`
	RepoType string `toml:"repo_type"`
	Revision string `toml:"revision"`

	// VerifyAttempts and VerifyDelay bound the post-commit visibility poll.
	VerifyAttempts int           `toml:"verify_attempts"`
	VerifyDelay    time.Duration `toml:"verify_delay"`

	HTTPClient *http.Client `toml:"-"`
}

// RepositoryProvider stores objects as files of a version-controlled,
// content-addressed Hub repository. Writes go through the negotiate,
// transfer, commit and verify steps; reads go through the resolve endpoint
// with the raw endpoint as fallback.
type RepositoryProvider struct {
	token          string
	urls           hubURLs
	client         *http.Client
	baseURL        string
	verifyAttempts int
	verifyDelay    time.Duration
}

var _ storage.Provider = (*RepositoryProvider)(nil)

// NewRepositoryProvider creates a provider for cfg, filling unset fields
// with their defaults.
func NewRepositoryProvider(cfg RepositoryConfig, baseURL string) (*RepositoryProvider, error) {
	if cfg.Token == "" {
		return nil, errors.New("repository token must not be empty")
	}

	if cfg.Repo == "" {
		return nil, errors.New("repository id must not be empty")
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultHubEndpoint
	}

	if cfg.RepoType == "" {
		cfg.RepoType = DefaultRepoType
	}

	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}

	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = DefaultVerifyAttempts
	}

	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = DefaultVerifyDelay
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	return &RepositoryProvider{
		token: cfg.Token,
		urls: hubURLs{
			endpoint: strings.TrimRight(cfg.Endpoint, "/"),
			repoType: cfg.RepoType,
			repo:     strings.Trim(cfg.Repo, "/"),
			revision: cfg.Revision,
		},
		client:         client,
		baseURL:        strings.TrimRight(baseURL, "/"),
		verifyAttempts: cfg.VerifyAttempts,
		verifyDelay:    cfg.VerifyDelay,
	}, nil
}

// Put buffers body, then runs negotiate, transfer, commit and verify. The
// upload is detached from ctx cancellation: once started it runs to
// completion even if the caller goes away.
func (p *RepositoryProvider) Put(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (storage.Result, error) {
	ctx = context.WithoutCancel(ctx)
	key = NormalizeKey(key)

	data, err := io.ReadAll(body)
	if err != nil {
		return storage.Result{}, fmt.Errorf("read body for %q: %w", key, err)
	}

	c := newContent(data)
	log := slog.With("repo", p.urls.repo, "key", key, "oid", c.oid, "size", c.size())

	mode, err := p.negotiate(ctx, key, c)
	if err != nil {
		return storage.Result{}, err
	}
	log.Debug("Negotiated upload mode", "mode", mode)

	var op commitLine
	switch mode {
	case transferInline:
		op = inlineFile(key, c)
	case transferTracked:
		if err := p.transfer(ctx, c, log); err != nil {
			return storage.Result{}, err
		}
		op = trackedFile(key, c)
	}

	commitOID, err := p.commit(ctx, commitSummary(key, c.size()), op)
	if err != nil {
		return storage.Result{}, err
	}
	log.Debug("Committed object", "commit", commitOID)

	if err := p.verify(ctx, key, log); err != nil {
		return storage.Result{}, err
	}

	log.Info("Stored object in repository", "mode", mode, "content_type", opts.ContentType)
	return storage.Result{Key: key, Size: c.size()}, nil
}

func (p *RepositoryProvider) Get(ctx context.Context, key string, opts storage.GetOptions) (*storage.Object, error) {
	key = NormalizeKey(key)

	header := http.Header{}
	if opts.Range != nil {
		header.Set("Range", opts.Range.Header())
	}

	targets := p.readURLs(key)
	var failures []error
	for _, target := range targets {
		resp, err := p.do(ctx, http.MethodGet, target, nil, header)
		if err != nil {
			slog.Debug("Repository read failed", "url", target, "err", err)
			failures = append(failures, err)
			continue
		}

		if isSuccess(resp.StatusCode) {
			return &storage.Object{
				ObjectInfo: responseInfo(resp),
				Body:       resp.Body,
			}, nil
		}

		discard(resp)
		slog.Debug("Repository read failed", "url", target, "status", resp.StatusCode)
	}

	return nil, readError("get", key, targets, failures)
}

func (p *RepositoryProvider) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	key = NormalizeKey(key)

	targets := p.readURLs(key)
	var failures []error
	for _, target := range targets {
		resp, err := p.do(ctx, http.MethodHead, target, nil, nil)
		if err != nil {
			slog.Debug("Repository read failed", "url", target, "err", err)
			failures = append(failures, err)
			continue
		}
		discard(resp)

		if isSuccess(resp.StatusCode) {
			info := responseInfo(resp)
			return &info, nil
		}
	}

	return nil, readError("head", key, targets, failures)
}

// readURLs lists the read paths of key in the order they are tried.
func (p *RepositoryProvider) readURLs(key string) []string {
	return []string{p.urls.resolve(key), p.urls.raw(key)}
}

// readError reports a read as failed only when no read path answered at all.
// Any answer, even a non-success one, means the key is absent.
func readError(op string, key string, targets []string, failures []error) error {
	if len(failures) < len(targets) {
		return nil
	}
	return fmt.Errorf("%s %q: %w", op, key, errors.Join(failures...))
}

func (p *RepositoryProvider) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)

	resp, err := p.do(ctx, http.MethodPost, p.urls.delete(key), nil, nil)
	if err != nil {
		return fmt.Errorf("%w: delete %q: %w", storage.ErrDelete, key, err)
	}
	defer discard(resp)

	if resp.StatusCode == http.StatusNotFound {
		slog.Debug("Delete of absent key", "repo", p.urls.repo, "key", key)
		return nil
	}

	if !isSuccess(resp.StatusCode) {
		return remoteError(storage.ErrDelete, "delete", resp)
	}

	return nil
}

func (p *RepositoryProvider) PublicURL(key string) string {
	return p.baseURL + "/rest/" + NormalizeKey(key)
}

// do sends one authenticated request to a Hub endpoint.
func (p *RepositoryProvider) do(ctx context.Context, method string, target string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}

	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	return p.client.Do(req)
}

// doJSON posts payload as JSON and returns the raw response.
func (p *RepositoryProvider) doJSON(ctx context.Context, target string, mediaType string, payload any) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", mediaType)
	header.Set("Accept", mediaType)
	return p.do(ctx, http.MethodPost, target, bytes.NewReader(encoded), header)
}

func responseInfo(resp *http.Response) storage.ObjectInfo {
	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	return storage.ObjectInfo{
		Size:        size,
		ContentType: resp.Header.Get("Content-Type"),
		Metadata:    map[string]string{},
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// discard drains and closes a response body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// remoteError builds a RemoteError from a failed response, consuming its
// body.
func remoteError(kind error, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &storage.RemoteError{
		Kind:   kind,
		Op:     op,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
