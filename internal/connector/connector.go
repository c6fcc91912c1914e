// Package connector dispatches chat tool calls to caller-registered HTTP
// endpoints. A Connector is configuration (URL, method, parameter schema);
// invoking it is a plain HTTP round-trip with the caller's own auth header
// forwarded verbatim.
package connector

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/model"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)
var leadingDigit = regexp.MustCompile(`^[0-9]`)

// ToolName derives a stable, LLM-tool-safe function name from a connector's
// display name: lowercased, non-alphanumeric runs collapsed to "_", and a
// leading underscore inserted if the result would start with a digit. A
// collision suffix distinguishes two connectors that normalize to the same
// name within a set.
func ToolName(existing map[string]bool, displayName string) string {
	base := nonAlphanumeric.ReplaceAllString(strings.ToLower(displayName), "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "tool"
	}
	if leadingDigit.MatchString(base) {
		base = "_" + base
	}

	name := base
	for existing[name] {
		name = base + "_" + randomSuffix()
	}
	return name
}

func randomSuffix() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "x"
	}
	return hex.EncodeToString(buf)
}

// Client invokes a Connector's HTTP endpoint with the given arguments,
// forwarding callerAuth as the X-Connector-Auth header untouched — the
// core never inspects or stores it.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: 20 * time.Second}}
}

// requestEnvelope is the wire shape a connector call's body is wrapped in.
type requestEnvelope struct {
	Data map[string]any `json:"data"`
}

// responseEnvelope is the wire shape a connector's response is expected to
// follow. Anything not matching it — a non-JSON body, a missing or null
// "data" field — is treated as an empty result rather than an error.
type responseEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// Invoke calls the connector and returns its unwrapped "data" payload as
// raw JSON text. Connector failures are isolated: callers should treat them
// as "no data from this tool", not as a fatal chat error.
func (c *Client) Invoke(ctx context.Context, conn *model.Connector, args map[string]any, callerAuth string) (string, error) {
	if err := validateArgs(conn, args); err != nil {
		return "", err
	}

	body, err := json.Marshal(requestEnvelope{Data: args})
	if err != nil {
		return "", errs.Wrap(errs.ConnectorFailed, "marshal connector arguments", err)
	}

	method := conn.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, conn.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap(errs.ConnectorFailed, "build connector request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if callerAuth != "" {
		req.Header.Set("X-Connector-Auth", callerAuth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.ConnectorFailed, "call connector", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errs.Wrap(errs.ConnectorFailed, "read connector response", err)
	}
	if resp.StatusCode >= 400 {
		return "", errs.New(errs.ConnectorFailed, fmt.Sprintf("connector %s returned status %d", conn.Name, resp.StatusCode))
	}

	var env responseEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return "", nil // response didn't match the {"data": ...} envelope: empty result
	}
	return string(env.Data), nil
}

func validateArgs(conn *model.Connector, args map[string]any) error {
	for _, p := range conn.ParameterSchema {
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			return errs.New(errs.InvalidRequest, fmt.Sprintf("connector %s missing required argument %q", conn.Name, p.Name))
		}
	}
	return nil
}
