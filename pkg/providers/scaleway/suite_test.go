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

package scaleway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gpufleet/gpufleet/pkg/providers/scaleway"
)

func TestScaleway(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scaleway")
}

var ctx context.Context

var _ = BeforeEach(func() {
	ctx = context.Background()
})

func newProvider(handler http.Handler) (*scaleway.Provider, *httptest.Server) {
	server := httptest.NewServer(handler)
	provider := scaleway.NewProvider(scaleway.Options{
		BaseURL: server.URL,
		Token:   "secret",
	}, zap.NewNop())
	return provider, server
}

var _ = Describe("StartInstance", func() {
	const volumesSettling = `{"message":"volume is not available"}`

	It("should retry the poweron precondition until the volumes settle", func() {
		var hits int
		provider, server := newProvider(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/zones/fr-par-2/servers/srv-1/action"))
			Expect(r.Header.Get("X-Auth-Token")).To(Equal("secret"))
			hits++
			if hits < 3 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(volumesSettling))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		Expect(provider.StartInstance(ctx, "fr-par-2", "srv-1")).To(Succeed())
		Expect(hits).To(Equal(3))
	})
	It("should stop retrying once the context is canceled", func() {
		cancelable, cancel := context.WithCancel(ctx)
		var hits int
		provider, server := newProvider(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			cancel()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(volumesSettling))
		}))
		defer server.Close()

		started := time.Now()
		Expect(provider.StartInstance(cancelable, "fr-par-2", "srv-1")).ToNot(Succeed())
		// Well under the 60s backoff budget: cancellation cuts the loop short.
		Expect(time.Since(started)).To(BeNumerically("<", 3*time.Second))
		Expect(hits).To(BeNumerically("<=", 2))
	})
})

var _ = Describe("DeleteVolume", func() {
	It("should treat an already-absent volume as deleted", func() {
		provider, server := newProvider(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"volume not found"}`))
		}))
		defer server.Close()

		Expect(provider.DeleteVolume(ctx, "fr-par-2", "vol-1")).To(Succeed())
	})
})
