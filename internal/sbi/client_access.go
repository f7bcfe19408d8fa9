package sbi

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/model"
)

// Paths of the access network API.
const (
	accessCreateBearerPath = "bearers/create"
	accessDeleteBearerPath = "bearers/delete"
	accessTerminatePath    = "sessions/terminate"
)

// AccessClient notifies one access network (the LTE bearer controller or the
// WLAN AAA) of bearer changes and network-initiated terminations.
type AccessClient struct {
	client *jsonClient
}

// NewAccessClient returns a notifier for the access network at baseURL.
func NewAccessClient(name, baseURL string, timeout time.Duration) *AccessClient {
	return &AccessClient{client: newJSONClient(name, baseURL, timeout, breakerSettings{})}
}

// CreateBearer asks for dedicated bearers for QoS rules.
func (access *AccessClient) CreateBearer(ctx context.Context, request model.CreateBearerRequest) error {
	return errors.Wrapf(access.client.post(ctx, accessCreateBearerPath, request, nil),
		"create bearer for %s", request.SessionID)
}

// DeleteBearer asks for dedicated bearers to be released.
func (access *AccessClient) DeleteBearer(ctx context.Context, request model.DeleteBearerRequest) error {
	return errors.Wrapf(access.client.post(ctx, accessDeleteBearerPath, request, nil),
		"delete bearers %v of %s", request.BearerIDs, request.SessionID)
}

// TerminateSession tells the access network the session is going away.
func (access *AccessClient) TerminateSession(ctx context.Context, key model.SessionKey) error {
	return errors.Wrapf(access.client.post(ctx, accessTerminatePath, key, nil), "terminate %s", key)
}
