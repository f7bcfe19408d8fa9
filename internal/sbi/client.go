// Package sbi provides the HTTP interfaces of sessiond: the clients of the
// charging/policy server and of the access networks, and the gin server that
// receives access signaling and server-initiated pushes.
package sbi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
)

// RequestIDHeader carries the correlation id of every outgoing request.
const RequestIDHeader = "X-Request-Id"

// ErrPeerStatus is returned when a peer answers with a non-2xx status.
var ErrPeerStatus = errors.New("peer answered with non-2xx status")

// jsonClient posts JSON documents to one peer behind a circuit breaker.
type jsonClient struct {
	peerName           string
	baseURL            string
	userAgent          string
	httpClient         *http.Client
	breaker            circuitbreaker.CircuitBreaker[struct{}]
	maxResponseBodyLen int64
}

type breakerSettings struct {
	maxFailures int
	open        time.Duration
}

func newJSONClient(peerName, baseURL string, timeout time.Duration, settings breakerSettings) *jsonClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if settings.maxFailures <= 0 {
		settings.maxFailures = 5
	}
	if settings.open <= 0 {
		settings.open = 30 * time.Second
	}
	maxFailures := uint32(settings.maxFailures) // #nosec G115 -- positive, checked above

	return &jsonClient{
		peerName:  peerName,
		baseURL:   baseURL,
		userAgent: "sessiond-" + peerName + "-client/1.0",
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		breaker: circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    settings.open,
			Timeout:     settings.open,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		}),
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// post sends body to the path under the base URL and decodes the answer into
// out when out is not nil.
func (client *jsonClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	_, breakerError := client.breaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.do(ctx, path, body, out)
	})
	return breakerError
}

func (client *jsonClient) do(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonBytes, marshalError := json.Marshal(body)
	if marshalError != nil {
		return errors.Wrapf(marshalError, "marshal %s request", path)
	}

	targetURL := joinURL(client.baseURL, path)
	httpRequest, requestError := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(jsonBytes))
	if requestError != nil {
		return errors.Wrapf(requestError, "create HTTP request to %s", targetURL)
	}

	requestID := uuid.NewString()
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", client.userAgent)
	httpRequest.Header.Set(RequestIDHeader, requestID)

	logger.SbiLog.Debugf("POST %s to %s requestId=%s", path, client.peerName, requestID)

	httpResponse, doError := client.httpClient.Do(httpRequest)
	if doError != nil {
		logger.SbiLog.Warnf("POST %s to %s failed requestId=%s: %v", path, client.peerName, requestID, doError)
		return errors.Wrapf(doError, "%s request %s", client.peerName, path)
	}
	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.SbiLog.Debugf("failed to close %s response body: %v", client.peerName, closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := client.readBodySnippet(httpResponse.Body)
		logger.SbiLog.Warnf("POST %s to %s non-2xx requestId=%s status=%s bodySnippet=%q",
			path, client.peerName, requestID, httpResponse.Status, bodySnippet)
		return errors.Wrapf(ErrPeerStatus, "%s %s: %s", client.peerName, path, httpResponse.Status)
	}

	if out == nil || httpResponse.StatusCode == http.StatusNoContent {
		return nil
	}
	if decodeError := json.NewDecoder(httpResponse.Body).Decode(out); decodeError != nil {
		return errors.Wrapf(decodeError, "decode %s response of %s", client.peerName, path)
	}
	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes. It never returns an error and is best-effort only.
func (client *jsonClient) readBodySnippet(body io.Reader) string {
	if client.maxResponseBodyLen <= 0 {
		return ""
	}

	limitedReader := io.LimitedReader{
		R: body,
		N: client.maxResponseBodyLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}

// joinURL concatenates base URL and path segments using a single slash. It
// does not escape segments, so callers pass already-safe path elements.
func joinURL(base string, segments ...string) string {
	trimmedBase := strings.TrimRight(base, "/")
	var cleanedSegments []string
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		cleanedSegments = append(cleanedSegments, strings.Trim(segment, "/"))
	}
	if len(cleanedSegments) == 0 {
		return trimmedBase
	}
	return trimmedBase + "/" + strings.Join(cleanedSegments, "/")
}
