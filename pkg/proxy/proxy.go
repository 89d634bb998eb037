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

// Package proxy exposes the OpenAI-compatible inference surface: it resolves
// the requested model, picks a ready worker through the routing index and
// forwards the request, streaming responses byte-by-byte while collecting
// usage accounting on the side.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	"github.com/gpufleet/gpufleet/pkg/controllers"
	"github.com/gpufleet/gpufleet/pkg/metrics"
	"github.com/gpufleet/gpufleet/pkg/routing"
)

const (
	// StickyHeader carries the opaque session value that pins successive
	// requests to the same worker in multi-engine mode.
	StickyHeader    = "X-Session-Affinity"
	maxStickyBytes  = 128
	maxRequestBytes = 10 << 20

	connectTimeout   = 30 * time.Second
	overallTimeout   = 60 * time.Second
	streamingTimeout = time.Hour

	// usageTailBytes bounds how much of a streamed response is retained for
	// usage parsing.
	usageTailBytes = 256 << 10

	component = "proxy"
)

type Proxy struct {
	index    *routing.Index
	recorder actionlog.Recorder
	client   *http.Client
	stream   *http.Client
	clock    clock.Clock
	logger   *zap.Logger
}

func New(index *routing.Index, recorder actionlog.Recorder, clk clock.Clock, logger *zap.Logger) *Proxy {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Proxy{
		index:    index,
		recorder: recorder,
		client:   &http.Client{Transport: transport, Timeout: overallTimeout},
		stream:   &http.Client{Transport: transport, Timeout: streamingTimeout},
		clock:    clk,
		logger:   logger.Named(component),
	}
}

func (p *Proxy) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/*", p.forward)
	return r
}

type inferenceRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading request body")
		return
	}
	var req inferenceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}

	sticky := r.Header.Get(StickyHeader)
	if len(sticky) > maxStickyBytes {
		sticky = "" // oversized session values are ignored, not errors
	}

	target, err := p.index.Pick(r.Context(), req.Model, sticky)
	if err != nil {
		if errors.Is(err, routing.ErrNoReadyWorker) {
			metrics.ProxyRequests.WithLabelValues(req.Model, "no_ready_worker").Inc()
			writeError(w, http.StatusServiceUnavailable, "no_ready_worker",
				fmt.Sprintf("no ready worker serves model %q", req.Model))
			return
		}
		writeError(w, http.StatusBadRequest, "unknown_model", err.Error())
		return
	}

	step := controllers.StartStep(r.Context(), p.recorder, p.clock, p.logger, actionlog.Start{
		ActionType: actionlog.ActionProxyForward,
		Component:  component,
		InstanceID: target.InstanceID,
		Request:    map[string]any{"model": target.ModelID, "path": r.URL.Path, "stream": req.Stream},
	})

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method,
		target.BaseURL+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		step.Complete(context.WithoutCancel(r.Context()), err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	for _, header := range []string{"Content-Type", "Accept", StickyHeader} {
		if value := r.Header.Get(header); value != "" {
			upstream.Header.Set(header, value)
		}
	}

	client := p.client
	if req.Stream {
		client = p.stream
	}
	resp, err := client.Do(upstream)
	if err != nil {
		// A single unreachable upstream does not mark the worker unhealthy;
		// the prober and heartbeats own that signal.
		step.Complete(context.WithoutCancel(r.Context()), err)
		metrics.ProxyRequests.WithLabelValues(target.ModelID, "upstream_unreachable").Inc()
		p.logger.Warn("upstream unreachable",
			zap.String("instance_id", target.InstanceID),
			zap.String("base_url", target.BaseURL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "BAD_GATEWAY",
			"upstream_unreachable: worker did not answer")
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Stream through while keeping a bounded tail for usage accounting.
	collector := newUsageCollector()
	written, copyErr := copyFlushing(w, io.TeeReader(resp.Body, collector))
	if copyErr != nil {
		p.logger.Debug("response copy interrupted", zap.Error(copyErr))
	}

	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = "upstream_error"
	}
	metrics.ProxyRequests.WithLabelValues(target.ModelID, outcome).Inc()

	// Usage parsing happens off the request path; missing counts never fail
	// the response.
	go func() {
		usage, ok := collector.usage(req.Stream)
		metadata := map[string]any{"status": resp.StatusCode, "bytes": written}
		if ok {
			metadata["prompt_tokens"] = usage.PromptTokens
			metadata["completion_tokens"] = usage.CompletionTokens
			metadata["total_tokens"] = usage.TotalTokens
			metrics.ProxyTokens.WithLabelValues(target.ModelID, "prompt").Add(float64(usage.PromptTokens))
			metrics.ProxyTokens.WithLabelValues(target.ModelID, "completion").Add(float64(usage.CompletionTokens))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		step.CompleteWithMetadata(ctx, nil, metadata)
	}()
}

// copyFlushing copies upstream bytes to the client, flushing after every
// chunk so streamed tokens are not buffered.
func copyFlushing(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	var written int64
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
