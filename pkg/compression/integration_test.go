// Copyright 2025 Takhin Data, Inc.

package compression

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCompressionIntegration exercises the same encode/store/replay path
// pkg/store's WAL persistence uses: a batch of key/value pairs flattened
// into one buffer, compressed before being handed to bbolt, then
// decompressed on replay.
func TestCompressionIntegration(t *testing.T) {
	type op struct {
		Key   []byte
		Value []byte
	}

	ops := []op{
		{Key: []byte("user-1"), Value: []byte("Hello, World!")},
		{Key: []byte("user-2"), Value: []byte("This is a test message")},
		{Key: []byte("user-3"), Value: []byte("WAL batch compression integration test")},
	}

	var batch bytes.Buffer
	for _, o := range ops {
		batch.Write(o.Key)
		batch.WriteByte(0)
		batch.Write(o.Value)
		batch.WriteByte(0)
	}

	originalData := batch.Bytes()
	t.Logf("original batch size: %d bytes", len(originalData))

	types := []Type{None, GZIP, Snappy, LZ4, ZSTD}
	for _, compType := range types {
		t.Run(compType.String(), func(t *testing.T) {
			compressed, err := Compress(compType, originalData)
			require.NoError(t, err, "compress should succeed")

			if compType != None {
				t.Logf("compressed size: %d bytes (%.2f%% of original)",
					len(compressed),
					float64(len(compressed))/float64(len(originalData))*100)
			}

			stored := make([]byte, len(compressed))
			copy(stored, compressed)

			decompressed, err := Decompress(compType, stored)
			require.NoError(t, err, "decompress should succeed")

			assert.Equal(t, originalData, decompressed,
				"decompressed data should match original")
		})
	}
}

// TestCompressionRoundTripLargeData tests compression with a repetitive
// payload shape similar to a long run of WAL entries for the same key.
func TestCompressionRoundTripLargeData(t *testing.T) {
	entry := []byte(`{"timestamp":"2025-12-17T10:00:00Z","level":"INFO","service":"laserd","message":"wal batch applied","duration_ms":125}`)

	var batch bytes.Buffer
	for i := 0; i < 1000; i++ {
		batch.Write(entry)
		batch.WriteByte('\n')
	}

	originalData := batch.Bytes()
	t.Logf("original data size: %d bytes", len(originalData))

	types := []Type{None, GZIP, Snappy, LZ4, ZSTD}
	for _, compType := range types {
		t.Run(compType.String(), func(t *testing.T) {
			compressed, err := Compress(compType, originalData)
			require.NoError(t, err)

			ratio := float64(len(compressed)) / float64(len(originalData)) * 100
			t.Logf("compression ratio: %.2f%% (original: %d -> compressed: %d)",
				ratio, len(originalData), len(compressed))

			decompressed, err := Decompress(compType, compressed)
			require.NoError(t, err)

			assert.Equal(t, originalData, decompressed)

			if compType != None {
				assert.Less(t, len(compressed), len(originalData),
					"compressed data should be smaller than original")
			}
		})
	}
}

// TestCompressionWithRandomData tests compression with non-compressible data.
func TestCompressionWithRandomData(t *testing.T) {
	randomData := make([]byte, 10000)
	rand.New(rand.NewSource(1)).Read(randomData)

	types := []Type{None, GZIP, Snappy, LZ4, ZSTD}
	for _, compType := range types {
		t.Run(compType.String(), func(t *testing.T) {
			compressed, err := Compress(compType, randomData)
			require.NoError(t, err)

			t.Logf("original: %d bytes, compressed: %d bytes (%.2f%%)",
				len(randomData),
				len(compressed),
				float64(len(compressed))/float64(len(randomData))*100)

			decompressed, err := Decompress(compType, compressed)
			require.NoError(t, err)
			assert.Equal(t, randomData, decompressed)
		})
	}
}

// TestCompressionEmptyData tests compression with empty data.
func TestCompressionEmptyData(t *testing.T) {
	emptyData := []byte{}

	types := []Type{None, GZIP, Snappy, LZ4, ZSTD}
	for _, compType := range types {
		t.Run(compType.String(), func(t *testing.T) {
			compressed, err := Compress(compType, emptyData)
			require.NoError(t, err)

			decompressed, err := Decompress(compType, compressed)
			require.NoError(t, err)

			// Snappy may return nil for empty data, which is functionally equivalent.
			if len(decompressed) == 0 && len(emptyData) == 0 {
				return
			}
			assert.Equal(t, emptyData, decompressed)
		})
	}
}

// TestCompressionConcurrent tests compression from multiple goroutines,
// matching the concurrency WAL writes from multiple partition handlers
// can produce.
func TestCompressionConcurrent(t *testing.T) {
	data := []byte("test data for concurrent compression " + string(make([]byte, 1000)))

	const numGoroutines = 10
	const numIterations = 100

	type result struct {
		err error
	}

	results := make(chan result, numGoroutines*numIterations)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			for j := 0; j < numIterations; j++ {
				for _, compType := range []Type{None, GZIP, Snappy, LZ4, ZSTD} {
					compressed, err := Compress(compType, data)
					if err != nil {
						results <- result{err: err}
						continue
					}

					decompressed, err := Decompress(compType, compressed)
					if err != nil {
						results <- result{err: err}
						continue
					}

					if !bytes.Equal(data, decompressed) {
						results <- result{err: fmt.Errorf("data mismatch")}
						continue
					}

					results <- result{err: nil}
				}
			}
		}()
	}

	for i := 0; i < numGoroutines*numIterations*5; i++ {
		res := <-results
		require.NoError(t, res.err)
	}
}
