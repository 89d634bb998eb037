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

package provisioning

import "fmt"

// sshOnlyUserData authorizes the operator key and nothing else. Used when
// auto-install is disabled or the type is not worker-eligible; the prober's
// SSH bootstrap takes over from there.
func sshOnlyUserData(operatorKey string) string {
	return fmt.Sprintf(`#cloud-config
ssh_authorized_keys:
  - %s
`, operatorKey)
}

// workerUserData authorizes the operator key and installs the serving stack
// at first boot: container runtime, NVIDIA toolkit, the inference engine and
// the agent. The SSH bootstrap remains the fallback when cloud-init is not
// honored by the image.
func workerUserData(operatorKey, modelID string, enginePort, healthPort int) string {
	return fmt.Sprintf(`#cloud-config
ssh_authorized_keys:
  - %s
write_files:
  - path: /opt/gpufleet/env
    content: |
      GPUFLEET_MODEL_ID=%s
      GPUFLEET_ENGINE_PORT=%d
      GPUFLEET_HEALTH_PORT=%d
runcmd:
  - curl -fsSL https://get.docker.com | sh
  - if command -v nvidia-smi >/dev/null 2>&1; then curl -fsSL https://nvidia.github.io/libnvidia-container/gpgkey | gpg --dearmor -o /usr/share/keyrings/nvidia-container-toolkit-keyring.gpg && apt-get update && apt-get install -y nvidia-container-toolkit && systemctl restart docker; fi
  - docker run -d --restart unless-stopped --gpus all --name gpufleet-engine -p %d:8000 --env-file /opt/gpufleet/env vllm/vllm-openai:latest --model %s
  - docker run -d --restart unless-stopped --network host --name gpufleet-agent --env-file /opt/gpufleet/env ghcr.io/gpufleet/agent:latest
`, operatorKey, modelID, enginePort, healthPort, enginePort, modelID)
}
