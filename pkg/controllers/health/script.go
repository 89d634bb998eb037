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

package health

// bootstrapScript installs the serving stack on a worker VM. It prints
// ::phase:: markers the prober parses into action-log metadata. Diskless GPU
// images ship tiny root disks, so container storage is relocated onto the
// data volume first.
const bootstrapScript = `#!/usr/bin/env bash
set -euo pipefail

MODEL_ID="${GPUFLEET_MODEL_ID:?GPUFLEET_MODEL_ID is required}"
ENGINE_PORT="${GPUFLEET_ENGINE_PORT:-8000}"
HEALTH_PORT="${GPUFLEET_HEALTH_PORT:-8080}"
DATA_MOUNT=/mnt/gpufleet-data
ENGINE_IMAGE="${GPUFLEET_ENGINE_IMAGE:-vllm/vllm-openai:latest}"
AGENT_IMAGE="${GPUFLEET_AGENT_IMAGE:-ghcr.io/gpufleet/agent:latest}"
ENGINES_PER_GPU="${GPUFLEET_MULTI_ENGINE:-0}"

echo "::phase::mount_data_volume"
DEVICE=""
for candidate in /dev/sdb /dev/vdb /dev/nvme1n1; do
  if [ -b "$candidate" ] && ! grep -qs "$candidate" /proc/mounts; then
    DEVICE="$candidate"
    break
  fi
done
if [ -n "$DEVICE" ]; then
  blkid "$DEVICE" >/dev/null 2>&1 || mkfs.ext4 -F "$DEVICE"
  mkdir -p "$DATA_MOUNT"
  grep -qs "$DATA_MOUNT" /proc/mounts || mount "$DEVICE" "$DATA_MOUNT"
  mkdir -p "$DATA_MOUNT/docker"
fi

echo "::phase::install_container_runtime"
if ! command -v docker >/dev/null 2>&1; then
  curl -fsSL https://get.docker.com | sh
fi
if [ -n "$DEVICE" ] && [ ! -e /etc/docker/daemon.json ]; then
  mkdir -p /etc/docker
  printf '{"data-root": "%s/docker"}\n' "$DATA_MOUNT" > /etc/docker/daemon.json
  systemctl restart docker
fi

echo "::phase::install_gpu_toolkit"
if command -v nvidia-smi >/dev/null 2>&1 && ! command -v nvidia-ctk >/dev/null 2>&1; then
  curl -fsSL https://nvidia.github.io/libnvidia-container/gpgkey \
    | gpg --dearmor -o /usr/share/keyrings/nvidia-container-toolkit-keyring.gpg
  curl -fsSL https://nvidia.github.io/libnvidia-container/stable/deb/nvidia-container-toolkit.list \
    | sed 's#deb https://#deb [signed-by=/usr/share/keyrings/nvidia-container-toolkit-keyring.gpg] https://#g' \
    > /etc/apt/sources.list.d/nvidia-container-toolkit.list
  apt-get update -qq && apt-get install -y -qq nvidia-container-toolkit
  nvidia-ctk runtime configure --runtime=docker
  systemctl restart docker
fi

echo "::phase::pull_engine_image"
docker pull "$ENGINE_IMAGE"

echo "::phase::start_engine"
docker rm -f gpufleet-engine >/dev/null 2>&1 || true
GPU_COUNT=$(command -v nvidia-smi >/dev/null 2>&1 && nvidia-smi -L | wc -l || echo 0)
if [ "$ENGINES_PER_GPU" = "1" ] && [ "$GPU_COUNT" -gt 1 ]; then
  # Multi-engine mode: one engine per GPU behind a local nginx with sticky
  # sessions on the session header.
  UPSTREAMS=""
  for i in $(seq 0 $((GPU_COUNT - 1))); do
    docker rm -f "gpufleet-engine-$i" >/dev/null 2>&1 || true
    docker run -d --restart unless-stopped --gpus "device=$i" \
      --name "gpufleet-engine-$i" -p "$((ENGINE_PORT + 1 + i)):8000" \
      "$ENGINE_IMAGE" --model "$MODEL_ID"
    UPSTREAMS="$UPSTREAMS    server 127.0.0.1:$((ENGINE_PORT + 1 + i));\n"
  done
  mkdir -p /opt/gpufleet
  printf 'upstream engines {\n  hash $http_x_session_affinity consistent;\n%b}\nserver {\n  listen %s;\n  location / { proxy_pass http://engines; proxy_buffering off; }\n}\n' \
    "$UPSTREAMS" "$ENGINE_PORT" > /opt/gpufleet/engine-lb.conf
  docker rm -f gpufleet-engine-lb >/dev/null 2>&1 || true
  docker run -d --restart unless-stopped --network host --name gpufleet-engine-lb \
    -v /opt/gpufleet/engine-lb.conf:/etc/nginx/conf.d/default.conf:ro nginx:stable
else
  docker run -d --restart unless-stopped $([ "$GPU_COUNT" -gt 0 ] && echo --gpus all) \
    --name gpufleet-engine -p "$ENGINE_PORT:8000" \
    "$ENGINE_IMAGE" --model "$MODEL_ID"
fi

echo "::phase::verify_engine"
sleep 5
if ! docker ps --filter name=gpufleet-engine --filter status=running | grep -q gpufleet-engine; then
  echo "engine container is not running" >&2
  docker logs gpufleet-engine 2>&1 | tail -n 50 >&2 || true
  exit 1
fi

echo "::phase::start_agent"
docker pull "$AGENT_IMAGE"
docker rm -f gpufleet-agent >/dev/null 2>&1 || true
docker run -d --restart unless-stopped --network host --name gpufleet-agent \
  -e "GPUFLEET_MODEL_ID=$MODEL_ID" \
  -e "GPUFLEET_ENGINE_URL=http://127.0.0.1:$ENGINE_PORT" \
  -e "GPUFLEET_HEALTH_PORT=$HEALTH_PORT" \
  -e "GPUFLEET_HEARTBEAT_INTERVAL=10s" \
  "$AGENT_IMAGE"

echo "::phase::done"
`
