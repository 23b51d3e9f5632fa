package engine

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkWorkerPool(b *testing.B) {
	for _, size := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size, nil)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Submit(ctx, func() {})
			}
			pool.Wait()
		})
	}
}
