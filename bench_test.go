package qfeature

import (
	"context"
	"sync"
	"testing"
)

func BenchmarkRoute(b *testing.B) {
	h := startHub(b, HubOpt{})
	alice := h.dial(b, "alice", "r1")
	bob := h.dial(b, "bob", "r1")
	bob.Handle(pingKey, ModeAsync, pong)

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := alice.SendAndAwait(ctx, &Message{
			To:        bob.Addr(),
			Element:   pingKey.Element,
			Namespace: pingKey.Namespace,
			Type:      TypeGet,
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRouteParallel(b *testing.B) {
	h := startHub(b, HubOpt{})
	alice := h.dial(b, "alice", "r1")
	bob := h.dial(b, "bob", "r1")
	bob.Handle(pingKey, ModeAsync, pong)

	ctx := context.Background()
	var once sync.Once
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, err := alice.SendAndAwait(ctx, &Message{
				To:        bob.Addr(),
				Element:   pingKey.Element,
				Namespace: pingKey.Namespace,
				Type:      TypeGet,
			})
			if err != nil {
				once.Do(func() { b.Error(err) })
				return
			}
		}
	})
}

func BenchmarkDispatch(b *testing.B) {
	var d Dispatcher
	d.Register(pingKey, ModeAsync, pong)
	done := make(chan struct{}, 1)
	reply := func(*Message) error {
		done <- struct{}{}
		return nil
	}
	ctx := context.Background()
	req := pingRequest(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Dispatch(ctx, req, reply)
		<-done
	}
}
