package eventbus

import (
	"context"
	"testing"

	"relaycore/internal/domain"
)

func BenchmarkPublishFanOut(b *testing.B) {
	bus := newTestBus(WithBuffer(b.N + 1))
	for i := 0; i < 4; i++ {
		bus.SubscribeAll(func(context.Context, domain.Event) {})
	}
	evt := newEvent(domain.EventRequestCompleted)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, evt)
	}
	b.StopTimer()
	bus.Close()
}
