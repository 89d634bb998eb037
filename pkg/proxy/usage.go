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

package proxy

import (
	"encoding/json"
	"strings"
	"sync"
)

// Usage mirrors the OpenAI usage accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// usageCollector retains a bounded tail of the response for usage parsing.
// Engines emit usage in the final payload, so the tail is all that matters.
type usageCollector struct {
	mu   sync.Mutex
	tail []byte
}

func newUsageCollector() *usageCollector {
	return &usageCollector{}
}

func (c *usageCollector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tail = append(c.tail, p...)
	if len(c.tail) > usageTailBytes {
		c.tail = c.tail[len(c.tail)-usageTailBytes:]
	}
	return len(p), nil
}

func (c *usageCollector) usage(streaming bool) (Usage, bool) {
	c.mu.Lock()
	body := string(c.tail)
	c.mu.Unlock()
	if streaming {
		return parseStreamUsage(body)
	}
	var payload struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.Usage == nil {
		return Usage{}, false
	}
	return *payload.Usage, true
}

// parseStreamUsage scans SSE data lines from the end; the usage block rides
// on one of the final chunks.
func parseStreamUsage(body string) (Usage, bool) {
	lines := strings.Split(body, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		data, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var payload struct {
			Usage *Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		if payload.Usage != nil {
			return *payload.Usage, true
		}
	}
	return Usage{}, false
}
