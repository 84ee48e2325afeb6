package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
)

func BenchmarkInMemoryCache_Get(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	c.Set(ctx, "openai", domain.ProviderSignals{Load: 0.5}, 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(ctx, "openai")
	}
}

func BenchmarkCachedSource_Parallel(b *testing.B) {
	src := &stubSource{signals: domain.ProviderSignals{Load: 0.2}}
	cs := NewCachedSource(src, nil, time.Minute, time.Second)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			cs.Signals(ctx, fmt.Sprintf("provider-%d", i%4))
			i++
		}
	})
}
