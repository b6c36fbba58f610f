package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"picx/pkg/storage"
)

// verificationProbe polls the read path of one key until a commit becomes
// visible there.
type verificationProbe struct {
	path       string
	resolveURL string
	rawURL     string
	attempts   int
	delay      time.Duration
}

// probeStatus is what one attempt observed on each read path.
type probeStatus struct {
	resolve   int
	raw       int
	pathsInfo int
}

// verify waits for the committed key to become resolvable. Commits are not
// synchronously visible on the read path.
func (p *RepositoryProvider) verify(ctx context.Context, key string, log *slog.Logger) error {
	probe := verificationProbe{
		path:       key,
		resolveURL: p.urls.resolve(key),
		rawURL:     p.urls.raw(key),
		attempts:   p.verifyAttempts,
		delay:      p.verifyDelay,
	}

	var last probeStatus
	for attempt := 1; attempt <= probe.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(probe.delay):
			}
		}

		var ok bool
		ok, last = p.probeOnce(ctx, probe)
		if ok {
			log.Debug("Object resolvable", "attempt", attempt)
			return nil
		}

		log.Debug("Object not yet resolvable", "attempt", attempt,
			"resolve", last.resolve, "raw", last.raw, "paths_info", last.pathsInfo)
	}

	return &storage.VerificationError{
		Key:             key,
		Attempts:        probe.attempts,
		ResolveStatus:   last.resolve,
		RawStatus:       last.raw,
		PathsInfoStatus: last.pathsInfo,
	}
}

// probeOnce checks resolve, then raw, then paths-info, stopping at the first
// success.
func (p *RepositoryProvider) probeOnce(ctx context.Context, probe verificationProbe) (bool, probeStatus) {
	var status probeStatus

	status.resolve = p.headStatus(ctx, probe.resolveURL)
	if isSuccess(status.resolve) {
		return true, status
	}

	status.raw = p.headStatus(ctx, probe.rawURL)
	if isSuccess(status.raw) {
		return true, status
	}

	found, code := p.pathExists(ctx, probe.path)
	status.pathsInfo = code
	return found, status
}

// headStatus returns the status of a HEAD request, or 0 when none arrived.
func (p *RepositoryProvider) headStatus(ctx context.Context, target string) int {
	resp, err := p.do(ctx, http.MethodHead, target, nil, nil)
	if err != nil {
		slog.Debug("Verification probe failed", "url", target, "err", err)
		return 0
	}
	discard(resp)
	return resp.StatusCode
}

// pathExists asks the paths-info endpoint whether key is in the tree.
func (p *RepositoryProvider) pathExists(ctx context.Context, key string) (bool, int) {
	resp, err := p.doJSON(ctx, p.urls.pathsInfo(), "application/json", pathsInfoRequest{Paths: []string{key}})
	if err != nil {
		slog.Debug("Paths-info probe failed", "key", key, "err", err)
		return false, 0
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return false, resp.StatusCode
	}

	var entries []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return false, resp.StatusCode
	}

	return len(entries) > 0, resp.StatusCode
}
