package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/blueberrycongee/chatmemory/internal/resilience"
)

// Device selects the execution backend for a local model.
type Device string

const (
	DeviceCPU Device = "wasm"
	DeviceGPU Device = "webgpu"
)

// LocalRuntime executes a local embedding model.
type LocalRuntime interface {
	Run(ctx context.Context, repo string, device Device, texts []string) ([]Vector, error)
}

// LocalClient runs a local model through a LocalRuntime, one batch at a time.
type LocalClient struct {
	model   string
	repo    string
	device  Device
	runtime LocalRuntime
	sem     *resilience.Semaphore
}

// NewLocalClient creates a client for a local model id.
func NewLocalClient(model string, runtime LocalRuntime) *LocalClient {
	device := DeviceCPU
	if IsGPUModel(model) {
		device = DeviceGPU
	}
	return &LocalClient{
		model:   model,
		repo:    localModels[model],
		device:  device,
		runtime: runtime,
		sem:     resilience.NewSemaphore(1),
	}
}

// Embed implements Client.
func (c *LocalClient) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	if err := c.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.sem.Release()
	return c.runtime.Run(ctx, c.repo, c.device, texts)
}

// CacheModel implements Client.
func (c *LocalClient) CacheModel() string {
	return c.model
}

// Local implements Client.
func (c *LocalClient) Local() bool {
	return true
}

// HashRuntime is a dependency-free LocalRuntime that embeds texts by hashing
// case-folded word tokens into a fixed number of buckets. Texts sharing words
// get similar vectors, which is enough for offline use and tests.
type HashRuntime struct {
	Dimensions int
}

// NewHashRuntime creates a HashRuntime with dims buckets (default 384).
func NewHashRuntime(dims int) *HashRuntime {
	if dims <= 0 {
		dims = 384
	}
	return &HashRuntime{Dimensions: dims}
}

// Run implements LocalRuntime.
func (r *HashRuntime) Run(ctx context.Context, _ string, _ Device, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = r.embed(text)
	}
	return out, nil
}

func (r *HashRuntime) embed(text string) Vector {
	vec := make(Vector, r.Dimensions)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%r.Dimensions] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
