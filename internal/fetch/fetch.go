// Package fetch retrieves the benchmark payload over HTTP. The payload is
// fetched once per run, before any session starts; a failure here is fatal
// to the whole run.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrFetch reports a failed payload retrieval.
var ErrFetch = errors.New("payload fetch failed")

// maxPayloadSize refuses absurd benchmark inputs before they are buffered
// in memory (the whole payload is held for the duration of a run).
const maxPayloadSize = 64 << 20

// Payload fetches url and returns the response body. An empty body is legal:
// it transfers as a single empty block.
func Payload(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrFetch, maxPayloadSize)
	}
	return data, nil
}
