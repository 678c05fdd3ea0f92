package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fedstate/internal/federation"
	"fedstate/internal/store"
)

// ErrUnavailable marks a 503: the node cannot serve writes right now,
// usually because it is not the raft leader.
var ErrUnavailable = errors.New("api: service unavailable")

// Client talks to a fedstate server. Errors are *store.Error values with
// the kind the server reported, so callers can use store.IsNotFound and
// friends exactly as against a local store.
type Client struct {
	base string
	hc   *http.Client
}

var _ Store = (*Client)(nil)

// ClientOption customizes NewClient.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.hc = hc } }

// NewClient returns a client for the server at baseURL, e.g.
// http://127.0.0.1:8700.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---- membership ----

func (c *Client) RegisterSubCluster(ctx context.Context, info federation.SubClusterInfo) error {
	return c.do(ctx, "register_subcluster", string(info.ID), http.MethodPut,
		"/v1/subclusters/"+url.PathEscape(string(info.ID)), info, nil)
}

func (c *Client) SubClusterHeartbeat(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState, capability string) error {
	return c.do(ctx, "subcluster_heartbeat", string(id), http.MethodPut,
		"/v1/subclusters/"+url.PathEscape(string(id))+"/heartbeat",
		HeartbeatRequest{State: state, Capability: capability}, nil)
}

func (c *Client) DeregisterSubCluster(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState) error {
	return c.do(ctx, "deregister_subcluster", string(id), http.MethodPut,
		"/v1/subclusters/"+url.PathEscape(string(id))+"/deregister",
		DeregisterRequest{State: state}, nil)
}

func (c *Client) GetSubCluster(ctx context.Context, id federation.SubClusterID) (federation.SubClusterInfo, error) {
	var info federation.SubClusterInfo
	err := c.do(ctx, "get_subcluster", string(id), http.MethodGet,
		"/v1/subclusters/"+url.PathEscape(string(id)), nil, &info)
	return info, err
}

func (c *Client) GetSubClusters(ctx context.Context, activeOnly bool) ([]federation.SubClusterInfo, error) {
	path := "/v1/subclusters"
	if activeOnly {
		path += "?active=true"
	}
	var infos []federation.SubClusterInfo
	err := c.do(ctx, "get_subclusters", "", http.MethodGet, path, nil, &infos)
	return infos, err
}

// ---- application homing ----

func (c *Client) AddApplicationHomeSubCluster(ctx context.Context, home federation.ApplicationHomeSubCluster) error {
	return c.do(ctx, "add_application", home.ApplicationID.String(), http.MethodPost,
		"/v1/applications", home, nil)
}

func (c *Client) UpdateApplicationHomeSubCluster(ctx context.Context, home federation.ApplicationHomeSubCluster) error {
	key := home.ApplicationID.String()
	return c.do(ctx, "update_application", key, http.MethodPut, "/v1/applications/"+key, home, nil)
}

func (c *Client) DeleteApplicationHomeSubCluster(ctx context.Context, appID federation.ApplicationID) error {
	key := appID.String()
	return c.do(ctx, "delete_application", key, http.MethodDelete, "/v1/applications/"+key, nil, nil)
}

func (c *Client) GetApplicationHomeSubCluster(ctx context.Context, appID federation.ApplicationID) (federation.ApplicationHomeSubCluster, error) {
	key := appID.String()
	var home federation.ApplicationHomeSubCluster
	err := c.do(ctx, "get_application", key, http.MethodGet, "/v1/applications/"+key, nil, &home)
	return home, err
}

func (c *Client) GetApplicationsHomeSubCluster(ctx context.Context) ([]federation.ApplicationHomeSubCluster, error) {
	var homes []federation.ApplicationHomeSubCluster
	err := c.do(ctx, "get_applications", "", http.MethodGet, "/v1/applications", nil, &homes)
	return homes, err
}

// ---- policies ----

func (c *Client) SetPolicyConfiguration(ctx context.Context, p federation.PolicyConfiguration) error {
	return c.do(ctx, "set_policy", p.Queue, http.MethodPut, "/v1/policies/"+url.PathEscape(p.Queue), p, nil)
}

func (c *Client) GetPolicyConfiguration(ctx context.Context, queue string) (federation.PolicyConfiguration, error) {
	var p federation.PolicyConfiguration
	err := c.do(ctx, "get_policy", queue, http.MethodGet, "/v1/policies/"+url.PathEscape(queue), nil, &p)
	return p, err
}

func (c *Client) GetPoliciesConfigurations(ctx context.Context) ([]federation.PolicyConfiguration, error) {
	var ps []federation.PolicyConfiguration
	err := c.do(ctx, "get_policies", "", http.MethodGet, "/v1/policies", nil, &ps)
	return ps, err
}

// ---- cluster ----

// Ping calls /v1/health.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", http.MethodGet, "/v1/health", nil, nil)
}

// Health returns the server's health report, including leadership when
// the server runs raft.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, "ping", "", http.MethodGet, "/v1/health", nil, &resp)
	return resp, err
}

// Join asks the server, which must be the raft leader, to add a voter.
func (c *Client) Join(ctx context.Context, nodeID, addr string) error {
	return c.do(ctx, "join", nodeID, http.MethodPost, "/v1/cluster/join",
		JoinRequest{NodeID: nodeID, Addr: addr}, nil)
}

// ---- transport ----

func (c *Client) do(ctx context.Context, op, key, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(op, key, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeError rebuilds the server's error. The status code decides the
// kind when the body is not an ErrorResponse.
func decodeError(op, key string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		msg = er.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &store.Error{Kind: store.KindNotFound, Op: op, Key: key}
	case http.StatusConflict:
		return &store.Error{Kind: store.KindAlreadyExists, Op: op, Key: key}
	case http.StatusBadRequest:
		return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: fmt.Errorf("%w: %s", federation.ErrInvalid, msg)}
	case http.StatusServiceUnavailable:
		return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: fmt.Errorf("%w: %s", ErrUnavailable, msg)}
	}
	if er.Kind != "" && store.ParseKind(er.Kind) != store.KindFailure {
		return &store.Error{Kind: store.ParseKind(er.Kind), Op: op, Key: key}
	}
	return &store.Error{Kind: store.KindFailure, Op: op, Key: key, Err: fmt.Errorf("http %d: %s", resp.StatusCode, msg)}
}
