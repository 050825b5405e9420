package eventbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"agent-webapp/internal/domain"
)

// benchSnapshot is a mid-stream snapshot of a cited answer, roughly the
// size a gateway client sees on every chunk.
func benchSnapshot() domain.Snapshot {
	text := strings.Repeat("The handbook covers remote work [1]. ", 40)
	return domain.Snapshot{
		MessageID:       "msg-bench",
		ConversationID:  "conv-bench",
		Seq:             42,
		State:           domain.StateStreaming,
		AccumulatedText: text,
		ParsedContent: domain.ParsedContent{
			ProcessedText: text,
			Citations: []domain.IndexedCitation{{
				Index:      1,
				Annotation: domain.Annotation{Type: domain.AnnotationURICitation, Label: "handbook", URL: "https://example.com/handbook"},
				Count:      40,
			}},
		},
	}
}

func benchBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// BenchmarkPublishSnapshot measures the per-chunk cost: encoding the
// snapshot into an event and handing it to one gateway subscriber.
func BenchmarkPublishSnapshot(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	snap := benchSnapshot()
	bus.SubscribeAll(func(context.Context, domain.Event) {})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap.Seq = uint64(i)
		bus.Publish(ctx, domain.NewEvent(domain.EventStreamSnapshot, snap.ConversationID, snap.MessageID, snap))
	}
	b.StopTimer()
	bus.Close()
}

// BenchmarkPublishFanOut publishes one event to a growing number of
// subscribers, as when several browser tabs follow the same stream.
func BenchmarkPublishFanOut(b *testing.B) {
	ev := domain.NewEvent(domain.EventStreamSnapshot, "conv-bench", "msg-bench", benchSnapshot())
	for _, subs := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("subscribers=%d", subs), func(b *testing.B) {
			bus := benchBus()
			ctx := context.Background()
			for j := 0; j < subs; j++ {
				bus.Subscribe(domain.EventStreamSnapshot, func(context.Context, domain.Event) {})
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				bus.Publish(ctx, ev)
			}
			b.StopTimer()
			bus.Close()
		})
	}
}

// BenchmarkPublishUnmatched covers events nobody listens for, e.g.
// message.stored with only snapshot subscribers attached.
func BenchmarkPublishUnmatched(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	bus.Subscribe(domain.EventStreamSnapshot, func(context.Context, domain.Event) {})
	ev := domain.NewEvent(domain.EventMessageStored, "conv-bench", "msg-bench", nil)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	b.StopTimer()
	bus.Close()
}
