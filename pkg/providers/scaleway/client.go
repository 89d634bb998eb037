/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scaleway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/pkg/errors"
)

const (
	defaultBaseURL = "https://api.scaleway.com/instance/v1"

	connectTimeout = 5 * time.Second
	overallTimeout = 20 * time.Second
)

// client is a thin JSON client over the Scaleway instance API with explicit
// connect and overall timeouts on every control call.
type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newClient(baseURL, token string) *client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: overallTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}
}

// do issues a request against /zones/{zone}{path}. A non-nil out is filled
// from the response body. The returned error is always classified.
func (c *client) do(ctx context.Context, method, zone, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errors.NewFatal("encode_request", fmt.Sprintf("encoding %s %s request", method, path), err)
		}
		body = bytes.NewReader(buf)
	}
	url := fmt.Sprintf("%s/zones/%s%s", c.baseURL, zone, path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.NewFatal("build_request", fmt.Sprintf("building %s %s request", method, path), err)
	}
	req.Header.Set("X-Auth-Token", c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransient("connect_failed", fmt.Sprintf("calling %s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewTransient("read_response", fmt.Sprintf("reading %s %s response", method, path), err)
	}
	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, method, path, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.NewFatal("decode_response", fmt.Sprintf("decoding %s %s response", method, path), err)
		}
	}
	return nil
}

// doRaw issues a request with a non-JSON body (user-data uploads).
func (c *client) doRaw(ctx context.Context, method, zone, path, contentType string, body []byte) error {
	url := fmt.Sprintf("%s/zones/%s%s", c.baseURL, zone, path)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return errors.NewFatal("build_request", fmt.Sprintf("building %s %s request", method, path), err)
	}
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewTransient("connect_failed", fmt.Sprintf("calling %s %s", method, path), err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return classifyStatus(resp.StatusCode, method, path, raw)
	}
	return nil
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func classifyStatus(status int, method, path string, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	detail := fmt.Sprintf("%s %s: %s", method, path, msg)

	switch {
	case status == http.StatusNotFound:
		return errors.NewNotFound(detail)
	case isVolumesNotUsable(status, msg):
		return errors.NewTransient(errors.VolumesNotReadyCode, detail, nil)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.NewTransient(fmt.Sprintf("http_%d", status), detail, nil)
	default:
		return errors.NewFatal(fmt.Sprintf("http_%d", status), detail, nil)
	}
}

// isVolumesNotUsable matches the poweron precondition raised while freshly
// attached volumes are still settling.
func isVolumesNotUsable(status int, msg string) bool {
	if status != http.StatusBadRequest && status != http.StatusConflict && status != http.StatusPreconditionFailed {
		return false
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "volume") &&
		(strings.Contains(lower, "not ready") || strings.Contains(lower, "not available") || strings.Contains(lower, "still") || strings.Contains(lower, "usable"))
}
