package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"picx/pkg/storage"
)

// transferMode is decided by the remote negotiation step, never locally.
type transferMode string

const (
	transferInline  transferMode = "inline"
	transferTracked transferMode = "tracked"
)

// chunkTicket is one part of a multipart upload.
type chunkTicket struct {
	url        string
	header     map[string]string
	chunkSize  int64
	partNumber int
}

// negotiate asks the remote whether the file can be committed inline or must
// go through the LFS transfer.
func (p *RepositoryProvider) negotiate(ctx context.Context, key string, c content) (transferMode, error) {
	req := preuploadRequest{
		Files: []preuploadFile{{Path: key, Size: c.size(), Sample: c.sample}},
	}

	resp, err := p.doJSON(ctx, p.urls.preupload(), "application/json", req)
	if err != nil {
		return "", fmt.Errorf("%w: preupload %q: %w", storage.ErrNegotiation, key, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return "", remoteError(storage.ErrNegotiation, "preupload", resp)
	}

	var decoded preuploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode preupload response: %w", storage.ErrNegotiation, err)
	}

	for _, f := range decoded.Files {
		if f.Path != key {
			continue
		}

		switch f.UploadMode {
		case "regular":
			return transferInline, nil
		case "lfs":
			return transferTracked, nil
		default:
			return "", fmt.Errorf("%w: unknown upload mode %q for %q", storage.ErrNegotiation, f.UploadMode, key)
		}
	}

	return "", fmt.Errorf("%w: no upload mode returned for %q", storage.ErrNegotiation, key)
}

// transfer pushes the payload to LFS storage. An object the remote already
// holds needs no upload at all.
func (p *RepositoryProvider) transfer(ctx context.Context, c content, log *slog.Logger) error {
	obj, err := p.batch(ctx, c)
	if err != nil {
		return err
	}

	upload, ok := obj.Actions["upload"]
	if !ok {
		log.Debug("Object already present in LFS storage")
		return nil
	}

	if _, multipart := upload.Header["chunk_size"]; multipart {
		tickets, err := chunkTickets(upload)
		if err != nil {
			return err
		}
		if err := p.uploadParts(ctx, c, upload.Href, tickets, log); err != nil {
			return err
		}
	} else {
		if err := p.uploadSingle(ctx, c, upload); err != nil {
			return err
		}
	}

	if verify, ok := obj.Actions["verify"]; ok {
		return p.verifyUpload(ctx, c, verify)
	}

	return nil
}

func (p *RepositoryProvider) batch(ctx context.Context, c content) (lfsBatchObject, error) {
	req := lfsBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic", "multipart"},
		HashAlgo:  "sha_256",
		Ref:       lfsRef{Name: p.urls.revision},
		Objects:   []lfsObject{{OID: c.oid, Size: c.size()}},
	}

	resp, err := p.doJSON(ctx, p.urls.batch(), lfsMediaType, req)
	if err != nil {
		return lfsBatchObject{}, fmt.Errorf("%w: batch: %w", storage.ErrTransfer, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return lfsBatchObject{}, remoteError(storage.ErrTransfer, "batch", resp)
	}

	var decoded lfsBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return lfsBatchObject{}, fmt.Errorf("%w: decode batch response: %w", storage.ErrTransfer, err)
	}

	for _, obj := range decoded.Objects {
		if obj.OID != c.oid {
			continue
		}
		if obj.Error != nil {
			return lfsBatchObject{}, &storage.RemoteError{
				Kind:   storage.ErrTransfer,
				Op:     "batch",
				Status: obj.Error.Code,
				Body:   obj.Error.Message,
			}
		}
		return obj, nil
	}

	return lfsBatchObject{}, fmt.Errorf("%w: batch response has no entry for %s", storage.ErrTransfer, c.oid)
}

// chunkTickets reads the multipart layout out of an upload action: the
// chunk size plus one numbered header per pre-signed part URL.
func chunkTickets(action lfsAction) ([]chunkTicket, error) {
	chunkSize, err := strconv.ParseInt(action.Header["chunk_size"], 10, 64)
	if err != nil || chunkSize <= 0 {
		return nil, fmt.Errorf("%w: invalid chunk size %q", storage.ErrTransfer, action.Header["chunk_size"])
	}

	var tickets []chunkTicket
	for name, target := range action.Header {
		partNumber, err := strconv.Atoi(name)
		if err != nil || partNumber < 1 {
			continue
		}
		tickets = append(tickets, chunkTicket{
			url:        target,
			chunkSize:  chunkSize,
			partNumber: partNumber,
		})
	}

	if len(tickets) == 0 {
		return nil, fmt.Errorf("%w: multipart action has no part urls", storage.ErrTransfer)
	}

	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].partNumber < tickets[j].partNumber
	})

	for i, t := range tickets {
		if t.partNumber != i+1 {
			return nil, fmt.Errorf("%w: missing url for part %d", storage.ErrTransfer, i+1)
		}
	}

	return tickets, nil
}

// uploadParts sends every chunk in ascending part order, one at a time, and
// completes the upload only once every part has an ETag.
func (p *RepositoryProvider) uploadParts(ctx context.Context, c content, completionURL string, tickets []chunkTicket, log *slog.Logger) error {
	chunks := c.chunks(tickets[0].chunkSize)
	if len(chunks) != len(tickets) {
		return fmt.Errorf("%w: %d part urls for %d chunks", storage.ErrTransfer, len(tickets), len(chunks))
	}

	parts := make([]lfsPart, 0, len(tickets))
	for i, ticket := range tickets {
		etag, err := p.uploadPart(ctx, ticket, chunks[i])
		if err != nil {
			return err
		}
		parts = append(parts, lfsPart{PartNumber: ticket.partNumber, ETag: etag})
		log.Debug("Uploaded part", "part", ticket.partNumber, "parts", len(tickets), "etag", etag)
	}

	resp, err := p.doJSON(ctx, completionURL, lfsMediaType, lfsCompletion{OID: c.oid, Parts: parts})
	if err != nil {
		return fmt.Errorf("%w: complete multipart upload: %w", storage.ErrTransfer, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return remoteError(storage.ErrTransfer, "complete multipart upload", resp)
	}

	return nil
}

// uploadPart PUTs one chunk to its pre-signed URL. The URL carries its own
// authorization, so no bearer token is sent.
func (p *RepositoryProvider) uploadPart(ctx context.Context, ticket chunkTicket, chunk []byte) (string, error) {
	op := fmt.Sprintf("upload part %d", ticket.partNumber)

	resp, err := p.put(ctx, ticket.url, ticket.header, chunk)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", storage.ErrTransfer, op, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return "", remoteError(storage.ErrTransfer, op, resp)
	}

	etag := unquoteETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", fmt.Errorf("%w: %s: response has no ETag", storage.ErrTransfer, op)
	}

	return etag, nil
}

func (p *RepositoryProvider) uploadSingle(ctx context.Context, c content, action lfsAction) error {
	resp, err := p.put(ctx, action.Href, action.Header, c.data)
	if err != nil {
		return fmt.Errorf("%w: upload: %w", storage.ErrTransfer, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return remoteError(storage.ErrTransfer, "upload", resp)
	}

	return nil
}

// verifyUpload calls the LFS verify action some servers attach to an upload.
func (p *RepositoryProvider) verifyUpload(ctx context.Context, c content, action lfsAction) error {
	encoded, err := json.Marshal(lfsObject{OID: c.oid, Size: c.size()})
	if err != nil {
		return fmt.Errorf("%w: encode verify request: %w", storage.ErrTransfer, err)
	}

	header := http.Header{}
	header.Set("Content-Type", lfsMediaType)
	header.Set("Accept", lfsMediaType)
	for k, v := range action.Header {
		header.Set(k, v)
	}

	resp, err := p.do(ctx, http.MethodPost, action.Href, bytes.NewReader(encoded), header)
	if err != nil {
		return fmt.Errorf("%w: verify upload: %w", storage.ErrTransfer, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return remoteError(storage.ErrTransfer, "verify upload", resp)
	}

	return nil
}

// put sends data to a storage URL with only the headers the remote asked for.
func (p *RepositoryProvider) put(ctx context.Context, target string, header map[string]string, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create PUT request: %w", err)
	}

	for k, v := range header {
		if k == "chunk_size" {
			continue
		}
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	return p.client.Do(req)
}
