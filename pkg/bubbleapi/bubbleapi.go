// Package bubbleapi is a thin typed client for the two controller
// endpoints the agent invokes: registering a flex router and checking its
// tunnel status. See spec.md §6 "Controller API consumed". Grounded on the
// teacher's pkg/client REST call conventions (context-scoped requests,
// pkg/errors wrapping) and on original_source/src/lib.rs's register/status
// request bodies.
package bubbleapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const headerBubbleSession = "X-Bubble-Session"

// Client talks to a single controller host.
type Client struct {
	httpClient *http.Client
	host       string
	session    string
}

// New builds a Client for controllerHost, authenticated with session on
// every request.
func New(controllerHost, session string) *Client {
	return NewWithHTTPClient(controllerHost, session, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient builds a Client using the given http.Client, letting
// callers (production code wanting a shorter status-check timeout, tests
// wanting a TLS-test-server-trusting client) supply their own transport.
func NewWithHTTPClient(controllerHost, session string, httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient, host: controllerHost, session: session}
}

// RegisterRequest is the body sent to PUT /api/me/flexRouters.
type RegisterRequest struct {
	Key       string `json:"key"`
	IP        string `json:"ip"`
	AuthToken string `json:"auth_token"`
}

// TunnelDescriptor is the controller's reply to a successful register,
// pinned into the SSH child's known-hosts file and used as the remote
// forward port.
type TunnelDescriptor struct {
	Port    uint16 `json:"port"`
	HostKey string `json:"host_key"`
}

// Register performs the PUT against https://<host>:1443/api/me/flexRouters.
// Any non-2xx response or transport failure is returned as an error; the
// caller (pkg/adminfront) is responsible for translating that into the
// 412 the admin API promises.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (TunnelDescriptor, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TunnelDescriptor{}, errors.Wrap(err, "bubbleapi: encoding register request")
	}

	url := fmt.Sprintf("https://%s:1443/api/me/flexRouters", c.host)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return TunnelDescriptor{}, errors.Wrap(err, "bubbleapi: building register request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerBubbleSession, c.session)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TunnelDescriptor{}, errors.Wrap(err, "bubbleapi: register request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TunnelDescriptor{}, errors.Errorf("bubbleapi: register returned %d: %s", resp.StatusCode, b)
	}

	var out TunnelDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TunnelDescriptor{}, errors.Wrap(err, "bubbleapi: decoding register response")
	}
	return out, nil
}

// Status is the tunnel-liveness vocabulary returned by the status
// endpoint. pkg/sshtunnel's checker switches on these constants directly.
type Status string

const (
	StatusActive      Status = "active"
	StatusNone        Status = "none"
	StatusUnreachable Status = "unreachable"
	StatusDeleted     Status = "deleted"
)

// Status performs the GET against
// https://<host>/api/me/flexRouters/<ip>/status, with a 10s timeout per
// spec.md §4.4 step 2.
func (c *Client) Status(ctx context.Context, advertisedIP string) (Status, error) {
	url := fmt.Sprintf("https://%s/api/me/flexRouters/%s/status", c.host, advertisedIP)
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "bubbleapi: building status request")
	}
	httpReq.Header.Set(headerBubbleSession, c.session)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "bubbleapi: status request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("bubbleapi: status returned %d", resp.StatusCode)
	}

	var s string
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return "", errors.Wrap(err, "bubbleapi: decoding status response")
	}
	return Status(s), nil
}
