// Package source implements snapshot sources and disrupters for the monitor.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
)

const (
	// endpointQuery selects the fields needed to build a snapshot.
	endpointQuery = "/endp?fields=name,rx+bytes,rx+drop+%25"
	resetPortPath = "/cli-json/reset_port"

	defaultShelf    = 1
	defaultResource = 1
)

var (
	// ErrBadStatus is returned when the appliance replies with a non-2xx
	// status code.
	ErrBadStatus = errors.New("unexpected HTTP status")
	// ErrMissingEndpoint is returned when a requested endpoint is not part of
	// the appliance's reply.
	ErrMissingEndpoint = errors.New("endpoint missing from reply")
	// ErrInvalidPort is returned when an endpoint ID cannot be mapped to a
	// shelf.resource.port triple.
	ErrInvalidPort = errors.New("invalid port identifier")
)

// endpointStats is the subset of the appliance's per-endpoint fields used to
// build a Snapshot.
type endpointStats struct {
	Name       string  `json:"name"`
	RxBytes    int64   `json:"rx bytes"`
	RxDropPerc float64 `json:"rx drop %"`
}

// endpointReply is the reply to an endpoint query. The "endpoint" field is a
// list of single-key objects mapping the endpoint name to its stats, or a
// plain stats object when only one endpoint exists.
type endpointReply struct {
	Endpoint json.RawMessage `json:"endpoint"`
}

type resetPortRequest struct {
	Shelf    int    `json:"shelf"`
	Resource int    `json:"resource"`
	Port     string `json:"port"`
}

// HTTP is a snapshot source and disrupter backed by the traffic generator's
// JSON REST API.
type HTTP struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTP returns an HTTP source talking to the appliance at baseURL. If
// client is nil, http.DefaultClient is used. Requests are retried on
// connection errors and 5xx replies.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = client
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = retryLogger{}
	return &HTTP{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  rc,
	}
}

// SetRetryMax sets the maximum number of retries per request.
func (h *HTTP) SetRetryMax(n int) {
	h.client.RetryMax = n
}

func (h *HTTP) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: %d", ErrBadStatus, req.Method,
			req.URL.Path, resp.StatusCode)
	}
	return body, nil
}

// Snapshot fetches the current counters of the endpoints in ids. The call
// fails as a whole if any requested endpoint is missing from the reply.
func (h *HTTP) Snapshot(ctx context.Context, ids []string) (*model.Snapshot, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		h.baseURL+endpointQuery, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	body, err := h.do(req)
	if err != nil {
		return nil, err
	}
	stats, err := parseEndpoints(body)
	if err != nil {
		return nil, err
	}
	snap := model.NewSnapshot(time.Now())
	for _, id := range ids {
		s, ok := stats[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingEndpoint, id)
		}
		snap.Counters[id] = s.RxBytes
		snap.DropPercent[id] = s.RxDropPerc
	}
	return snap, nil
}

func parseEndpoints(body []byte) (map[string]endpointStats, error) {
	reply := &endpointReply{}
	if err := json.Unmarshal(body, reply); err != nil {
		return nil, err
	}
	stats := map[string]endpointStats{}
	raw := bytes.TrimSpace(reply.Endpoint)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return stats, nil
	}
	if raw[0] == '{' {
		single := endpointStats{}
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		stats[single.Name] = single
		return stats, nil
	}
	list := []map[string]endpointStats{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	for _, item := range list {
		for name, s := range item {
			if name == "uri" || name == "handler" {
				continue
			}
			stats[name] = s
		}
	}
	return stats, nil
}

// parsePort splits an endpoint ID of the form [[shelf.]resource.]port.
func parsePort(id string) (*resetPortRequest, error) {
	req := &resetPortRequest{Shelf: defaultShelf, Resource: defaultResource}
	parts := strings.SplitN(id, ".", 3)
	var err error
	switch len(parts) {
	case 1:
		req.Port = parts[0]
	case 2:
		if req.Resource, err = strconv.Atoi(parts[0]); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPort, id)
		}
		req.Port = parts[1]
	case 3:
		if req.Shelf, err = strconv.Atoi(parts[0]); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPort, id)
		}
		if req.Resource, err = strconv.Atoi(parts[1]); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPort, id)
		}
		req.Port = parts[2]
	}
	if req.Port == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPort, id)
	}
	return req, nil
}

// Disrupt asks the appliance to reset the port identified by endpointID.
func (h *HTTP) Disrupt(ctx context.Context, endpointID string) error {
	port, err := parsePort(endpointID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(port)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+resetPortPath, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = h.do(req)
	return err
}

// retryLogger routes retryablehttp's messages to the package-level logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, keyvals ...interface{}) { log.Error(msg, keyvals...) }
func (retryLogger) Info(msg string, keyvals ...interface{}) { log.Debug(msg, keyvals...) }
func (retryLogger) Debug(msg string, keyvals ...interface{}) { log.Debug(msg, keyvals...) }
func (retryLogger) Warn(msg string, keyvals ...interface{}) { log.Warn(msg, keyvals...) }

var _ retryablehttp.LeveledLogger = retryLogger{}
