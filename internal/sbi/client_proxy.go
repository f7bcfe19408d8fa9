package sbi

import (
	"context"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/pkg/factory"
)

// Paths of the charging/policy server API.
const (
	proxyCreatePath    = "sessions/create"
	proxyUpdatePath    = "sessions/update"
	proxyTerminatePath = "sessions/terminate"
)

// ProxyClient talks to the charging/policy server. It satisfies the
// enforcer's session proxy.
type ProxyClient struct {
	client *jsonClient
}

// NewProxyClient returns a client for the configured server.
func NewProxyClient(section factory.ProxySection) *ProxyClient {
	return &ProxyClient{
		client: newJSONClient("proxy", section.BaseURL, section.Timeout(), breakerSettings{
			maxFailures: section.BreakerMaxFailures,
			open:        section.BreakerOpen(),
		}),
	}
}

// CreateSession asks for the initial grants and rules of a session.
func (proxy *ProxyClient) CreateSession(
	ctx context.Context,
	request model.CreateSessionRequest,
) (model.CreateSessionResponse, error) {
	var response model.CreateSessionResponse
	if postError := proxy.client.post(ctx, proxyCreatePath, request, &response); postError != nil {
		return model.CreateSessionResponse{}, errors.Wrapf(postError, "create session %s", request.SessionID)
	}
	return response, nil
}

// UpdateSession reports one batch of usage lines.
func (proxy *ProxyClient) UpdateSession(
	ctx context.Context,
	request model.UpdateSessionRequest,
) (model.UpdateSessionResponse, error) {
	var response model.UpdateSessionResponse
	if postError := proxy.client.post(ctx, proxyUpdatePath, request, &response); postError != nil {
		return model.UpdateSessionResponse{}, errors.Wrap(postError, "update session")
	}
	return response, nil
}

// TerminateSession reports the final usage of a session.
func (proxy *ProxyClient) TerminateSession(ctx context.Context, request model.SessionTerminateRequest) error {
	if postError := proxy.client.post(ctx, proxyTerminatePath, request, nil); postError != nil {
		return errors.Wrapf(postError, "terminate session %s", request.SessionID)
	}
	return nil
}
