// Copyright 2026 The RSMatrix Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/narrensicher/rsmatrix/lib/clock"
	"github.com/narrensicher/rsmatrix/lib/netutil"
	"github.com/narrensicher/rsmatrix/lib/ratelimit"
	"github.com/narrensicher/rsmatrix/lib/secret"
)

// transport issues authenticated HTTP requests to the homeserver. It
// applies the leaky-bucket limiter before each call, maps non-success
// responses to *MatrixError, and bounds all body reads.
//
// baseURL is stored with the trailing slash stripped; request URLs are
// built by direct string concatenation to avoid the double-encoding
// pitfalls of rebuilding url.URL values.
type transport struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	clk        clock.Clock

	// token is nil until login succeeds. limiter is nil until the
	// capabilities fetch sizes it; calls before that are unlimited
	// (bootstrap issues a handful of requests at most).
	token   *secret.Buffer
	limiter *ratelimit.Limiter

	txnCounter atomic.Int64
}

// callOptions modifies a single transport call.
type callOptions struct {
	query url.Values

	// ignoreRateLimit bypasses the limiter pre-flight. The sync
	// long-poll sets this: its server-side timeout already bounds the
	// call rate, and gating it through the limiter would starve it.
	ignoreRateLimit bool
}

// call performs one HTTP request and returns the raw response body.
// On 4xx/5xx with a parseable {errcode, error} envelope it returns a
// *MatrixError; rate-limit denial returns ErrRateLimited without any
// network activity.
func (t *transport) call(ctx context.Context, method, path string, requestBody any, opts callOptions) ([]byte, error) {
	if !opts.ignoreRateLimit && t.limiter != nil && !t.limiter.Allow() {
		t.logger.Warn("request denied by local rate limiter", "method", method, "path", path)
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
	}

	requestURL := t.baseURL + path
	if len(opts.query) > 0 {
		requestURL += "?" + opts.query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body for %s: %w", path, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request for %s: %w", path, err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if t.token != nil {
		request.Header.Set("Authorization", "Bearer "+t.token.String())
	}

	response, err := t.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		t.logger.Error("failed to read response body", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("messaging: failed to read response from %s: %w", path, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	// All Matrix error responses share the same JSON envelope.
	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		t.logger.Error("request failed without error envelope",
			"method", method, "path", path, "status", response.StatusCode)
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, netutil.ErrorBody(bytes.NewReader(responseBody)))
	}
	matrixErr.StatusCode = response.StatusCode
	t.logger.Error("server reported error",
		"method", method, "path", path, "errcode", matrixErr.Code, "status", response.StatusCode)
	return nil, &matrixErr
}

// callJSON performs a call and decodes the response body into result.
// An empty success body is an error — every endpoint used through this
// helper returns a JSON object.
func (t *transport) callJSON(ctx context.Context, method, path string, requestBody any, result any, opts callOptions) error {
	body, err := t.call(ctx, method, path, requestBody, opts)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("messaging: empty response from %s %s", method, path)
	}
	if err := json.Unmarshal(body, result); err != nil {
		t.logger.Error("failed to deserialize response", "method", method, "path", path, "error", err)
		return fmt.Errorf("messaging: failed to deserialize response from %s: %w", path, err)
	}
	return nil
}

// nextTransactionID returns a transaction ID unique for this device:
// a timestamp plus a monotonically increasing counter. The server
// deduplicates resent events by this ID.
func (t *transport) nextTransactionID() string {
	return fmt.Sprintf("rsmatrix-%d-%d", t.clk.Now().UnixMilli(), t.txnCounter.Add(1))
}

// setToken installs the bearer token after login. The previous token,
// if any, is closed.
func (t *transport) setToken(token *secret.Buffer) {
	if t.token != nil {
		t.token.Close()
	}
	t.token = token
}

// close releases the protected token memory.
func (t *transport) close() {
	if t.token != nil {
		t.token.Close()
		t.token = nil
	}
}
