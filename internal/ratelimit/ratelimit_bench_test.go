package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func benchTracker(b *testing.B, keys int) *Tracker {
	b.Helper()
	tr := NewTracker(nil)
	ctx := context.Background()
	for i := 0; i < keys; i++ {
		tr.Register(ctx, fmt.Sprintf("key-%d", i), "openai", domain.Limits{RequestsPerMinute: 1 << 30})
	}
	return tr
}

func BenchmarkTracker_Record(b *testing.B) {
	tr := benchTracker(b, 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.Record(ctx, "key-0", 100, 0.001)
	}
}

func BenchmarkTracker_Record_Parallel(b *testing.B) {
	tr := benchTracker(b, 1)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			tr.Record(ctx, "key-0", 100, 0.001)
		}
	})
}

func BenchmarkTracker_MultipleKeys(b *testing.B) {
	tr := benchTracker(b, 100)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tr.Record(ctx, fmt.Sprintf("key-%d", i%100), 10, 0)
			i++
		}
	})
}

func BenchmarkTracker_IsRateLimited_HighContention(b *testing.B) {
	tr := benchTracker(b, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		wg.Add(10)
		for j := 0; j < 10; j++ {
			go func() {
				defer wg.Done()
				tr.IsRateLimited(ctx, "key-0")
			}()
		}
		wg.Wait()
	}
}
