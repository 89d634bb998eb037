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

package proxy_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpufleet/gpufleet/pkg/actionlog"
	v1 "github.com/gpufleet/gpufleet/pkg/apis/v1"
	"github.com/gpufleet/gpufleet/pkg/fake"
	"github.com/gpufleet/gpufleet/pkg/proxy"
	"github.com/gpufleet/gpufleet/pkg/routing"
)

func TestProxy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Proxy")
}

var (
	ctx       context.Context
	instances *fake.InstanceStore
	cat       *fake.Catalog
	recorder  *fake.Recorder
	server    *httptest.Server
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	instances = fake.NewInstanceStore()
	recorder = fake.NewRecorder()
	cat = fake.NewCatalog().
		AddModel(&v1.Model{
			ID: "model-1", ModelID: "Qwen/Qwen2.5-0.5B-Instruct",
			RequiredVRAMGB: 8, IsActive: true,
		})
	index := routing.NewIndex(instances, cat, 2*time.Minute, zap.NewNop())
	p := proxy.New(index, recorder, clock.RealClock{}, zap.NewNop())
	server = httptest.NewServer(p.Routes())
})

var _ = AfterEach(func() {
	server.Close()
})

// registerWorker inserts a ready worker pointed at the given engine address.
func registerWorker(id, address string, port int) {
	now := time.Now().UTC()
	Expect(instances.Insert(ctx, &v1.Instance{
		ID:                 id,
		ProviderID:         "prov-1",
		ZoneID:             "zone-1",
		InstanceTypeID:     "type-1",
		ModelID:            "model-1",
		Status:             v1.InstanceStatusReady,
		ProviderInstanceID: lo.ToPtr("scw-" + id),
		PublicAddress:      &address,
		WorkerStatus:       lo.ToPtr(v1.WorkerStatusReady),
		WorkerHeartbeatAt:  &now,
		WorkerEnginePort:   lo.ToPtr(port),
		CreatedAt:          now,
	})).To(Succeed())
}

// serveEngine runs a stand-in engine and registers a worker pointing at it.
func serveEngine(handler http.HandlerFunc) *httptest.Server {
	engine := httptest.NewServer(handler)
	host, portStr, err := net.SplitHostPort(engine.Listener.Addr().String())
	Expect(err).ToNot(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).ToNot(HaveOccurred())
	registerWorker("inst-1", host, port)
	return engine
}

func post(path, body string, headers map[string]string) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodPost, server.URL+path, strings.NewReader(body))
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	Expect(err).ToNot(HaveOccurred())
	return resp, string(raw)
}

func errorCode(body string) string {
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	Expect(json.Unmarshal([]byte(body), &payload)).To(Succeed())
	return payload.Error.Code
}

var _ = Describe("Forward", func() {
	It("should forward a completion to the worker and return its response", func() {
		engine := serveEngine(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/chat/completions"))
			Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}],` +
				`"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
		})
		defer engine.Close()

		resp, body := post("/v1/chat/completions",
			`{"model":"Qwen/Qwen2.5-0.5B-Instruct","messages":[]}`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring(`"content":"hi"`))
	})
	It("should account usage from the worker response", func() {
		engine := serveEngine(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
		})
		defer engine.Close()

		_, _ = post("/v1/completions", `{"model":"Qwen/Qwen2.5-0.5B-Instruct"}`, nil)

		Eventually(func() []*fake.RecordedAction {
			return recorder.ByType(actionlog.ActionProxyForward)
		}, 5*time.Second, 50*time.Millisecond).Should(HaveLen(1))
		Eventually(func() map[string]any {
			entries := recorder.ByType(actionlog.ActionProxyForward)
			if len(entries) == 0 || entries[0].Status != actionlog.StatusSuccess {
				return nil
			}
			return entries[0].Metadata
		}, 5*time.Second, 50*time.Millisecond).Should(And(
			HaveKeyWithValue("prompt_tokens", 12),
			HaveKeyWithValue("completion_tokens", 3),
			HaveKeyWithValue("total_tokens", 15),
		))
	})
	It("should stream SSE chunks through and parse the trailing usage block", func() {
		engine := serveEngine(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, chunk := range []string{
				`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
				`data: {"choices":[{"delta":{"content":"lo"}}]}`,
				`data: {"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
				`data: [DONE]`,
			} {
				_, _ = w.Write([]byte(chunk + "\n\n"))
				flusher.Flush()
			}
		})
		defer engine.Close()

		resp, body := post("/v1/chat/completions",
			`{"model":"Qwen/Qwen2.5-0.5B-Instruct","stream":true}`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring(`"content":"Hel"`))
		Expect(body).To(ContainSubstring("[DONE]"))

		Eventually(func() map[string]any {
			entries := recorder.ByType(actionlog.ActionProxyForward)
			if len(entries) == 0 || entries[0].Status != actionlog.StatusSuccess {
				return nil
			}
			return entries[0].Metadata
		}, 5*time.Second, 50*time.Millisecond).Should(HaveKeyWithValue("total_tokens", 7))
	})
	It("should pass upstream error statuses through unchanged", func() {
		engine := serveEngine(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":"model overloaded"}`, http.StatusInternalServerError)
		})
		defer engine.Close()

		resp, body := post("/v1/completions", `{"model":"Qwen/Qwen2.5-0.5B-Instruct"}`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		Expect(body).To(ContainSubstring("model overloaded"))
	})
	It("should answer 503 when no worker serves the model", func() {
		resp, body := post("/v1/completions", `{"model":"Qwen/Qwen2.5-0.5B-Instruct"}`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		Expect(errorCode(body)).To(Equal("no_ready_worker"))
	})
	It("should answer 400 on a model the catalog does not know", func() {
		registerWorker("inst-1", "10.0.0.1", 8000)
		resp, body := post("/v1/completions", `{"model":"nobody/unknown"}`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(errorCode(body)).To(Equal("unknown_model"))
	})
	It("should answer 400 on a body that is not JSON", func() {
		resp, body := post("/v1/completions", `{not json`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(errorCode(body)).To(Equal("invalid_request"))
	})
	It("should answer 502 when the worker does not answer", func() {
		// Dead engine: a listener opened and closed again so the port refuses.
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		port := listener.Addr().(*net.TCPAddr).Port
		Expect(listener.Close()).To(Succeed())
		registerWorker("inst-1", "127.0.0.1", port)

		resp, body := post("/v1/completions", `{"model":"Qwen/Qwen2.5-0.5B-Instruct"}`, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		Expect(body).To(ContainSubstring("upstream_unreachable"))
	})
	It("should keep a pinned session on one worker", func() {
		engine := serveEngine(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		})
		defer engine.Close()

		for i := 0; i < 5; i++ {
			resp, _ := post("/v1/completions", `{"model":"Qwen/Qwen2.5-0.5B-Instruct"}`,
				map[string]string{proxy.StickyHeader: "session-42"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		}
	})
})
