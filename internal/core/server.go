package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"picx/pkg/storage"
)

var errInvalidRange = errors.New("invalid range")

// Server serves stored images read-through from one provider at the URLs
// PublicURL hands out.
type Server struct {
	Config   Config
	Provider storage.Provider
}

// NewServer builds the provider of the given kind and returns a Server for it.
func NewServer(cfg Config, kind storage.Kind) (*Server, error) {
	provider, err := NewProvider(cfg, kind)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", kind, err)
	}

	return &Server{Config: cfg, Provider: provider}, nil
}

// parseRange parses a single "bytes=start-end" range. An empty header means
// the whole object.
func parseRange(header string) (*storage.Range, error) {
	if header == "" {
		return nil, nil
	}

	bounds, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, errInvalidRange
	}

	first, last, ok := strings.Cut(bounds, "-")
	if !ok || strings.Contains(last, ",") {
		return nil, errInvalidRange
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, errInvalidRange
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, errInvalidRange
	}

	return &storage.Range{Offset: start, Length: end - start + 1}, nil
}

// expired reports whether the object's "expires" metadata, in unix
// milliseconds, lies in the past.
func expired(metadata map[string]string, now time.Time) bool {
	for k, v := range metadata {
		if !strings.EqualFold(k, "expires") {
			continue
		}
		expiresAt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false
		}
		return now.UnixMilli() > expiresAt
	}
	return false
}

func writeObjectHeaders(w http.ResponseWriter, info storage.ObjectInfo) {
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Accept-Ranges", "bytes")
}

func writeNotFound(w http.ResponseWriter) {
	http.Error(w, "object not found", http.StatusNotFound)
}

func writeInternalError(w http.ResponseWriter) {
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		writeNotFound(w)
		return
	}

	rng, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	obj, err := s.Provider.Get(ctx, key, storage.GetOptions{Range: rng})
	if err != nil {
		slog.Error("Get object", "key", key, "err", err)
		writeInternalError(w)
		return
	}

	if obj == nil {
		writeNotFound(w)
		return
	}
	defer obj.Body.Close()

	if expired(obj.Metadata, time.Now()) {
		s.deleteExpired(ctx, key)
		writeNotFound(w)
		return
	}

	writeObjectHeaders(w, obj.ObjectInfo)

	status := http.StatusOK
	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", rng.Offset, rng.Offset+rng.Length-1))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Error("Stream object", "key", key, "err", err)
	}
}

func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	if key == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := s.Provider.Head(ctx, key)
	if err != nil {
		slog.Error("Head object", "key", key, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if info == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if expired(info.Metadata, time.Now()) {
		s.deleteExpired(ctx, key)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeObjectHeaders(w, *info)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteExpired(ctx context.Context, key string) {
	if err := s.Provider.Delete(ctx, key); err != nil {
		slog.Error("Delete expired object", "key", key, "err", err)
		return
	}
	slog.Info("Deleted expired object", "key", key)
}
