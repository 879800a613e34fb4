package embedding

import "runtime"

// apiChunkSize is the number of texts sent per remote embedding request.
const apiChunkSize = 50

// ChunkProfile describes the host running local models.
type ChunkProfile struct {
	Mobile bool `yaml:"mobile"`
	GPU    bool `yaml:"gpu"`
}

// OptimalChunkSize returns how many texts to embed per call.
func OptimalChunkSize(local bool, profile ChunkProfile) int {
	if !local {
		return apiChunkSize
	}
	if profile.GPU {
		if profile.Mobile {
			return 5
		}
		return 10
	}

	size := runtime.NumCPU()
	if size > 10 {
		size = 10
	}
	if profile.Mobile {
		size /= 2
	}
	if size < 1 {
		size = 1
	}
	return size
}

// chunk splits items into consecutive slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
