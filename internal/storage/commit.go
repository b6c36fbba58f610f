package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"picx/pkg/storage"

	"github.com/dustin/go-humanize"
)

// commitLine is one record of the newline-delimited commit payload.
type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type commitResponse struct {
	CommitURL string `json:"commitUrl"`
	CommitOID string `json:"commitOid"`
}

// inlineFile embeds the whole payload in the commit.
func inlineFile(key string, c content) commitLine {
	return commitLine{
		Key: "file",
		Value: commitFile{
			Path:     key,
			Content:  base64.StdEncoding.EncodeToString(c.data),
			Encoding: "base64",
		},
	}
}

// trackedFile references an already transferred LFS object by hash and size.
func trackedFile(key string, c content) commitLine {
	return commitLine{
		Key: "lfsFile",
		Value: commitLFSFile{
			Path: key,
			Algo: "sha256",
			OID:  c.oid,
			Size: c.size(),
		},
	}
}

func commitSummary(key string, size int64) string {
	return fmt.Sprintf("Upload %s (%s)", key, humanize.IBytes(uint64(size)))
}

// commit links the path to its content in the repository history. It
// returns the new commit id when the remote reports one.
func (p *RepositoryProvider) commit(ctx context.Context, summary string, op commitLine) (string, error) {
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)

	lines := []commitLine{
		{Key: "header", Value: commitHeader{Summary: summary}},
		op,
	}
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("%w: encode commit: %w", storage.ErrCommit, err)
		}
	}

	header := http.Header{}
	header.Set("Content-Type", ndjsonMediaType)
	header.Set("Accept", "application/json")

	resp, err := p.do(ctx, http.MethodPost, p.urls.commit(), &payload, header)
	if err != nil {
		return "", fmt.Errorf("%w: commit: %w", storage.ErrCommit, err)
	}
	defer discard(resp)

	if !isSuccess(resp.StatusCode) {
		return "", remoteError(storage.ErrCommit, "commit", resp)
	}

	var decoded commitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// Applied commits may come back without a body.
		return "", nil
	}

	return decoded.CommitOID, nil
}
