package bus

import (
	"sync"
	"testing"
)

func TestPublish_DeliversToSubscribedHandlerOnly(t *testing.T) {
	b := NewEventBus()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Event
	b.Subscribe(EventServiceStarted, func(e Event) {
		got = e
		wg.Done()
	})
	b.Subscribe(EventServiceStopped, func(e Event) {
		t.Error("unexpected delivery to service.stopped subscriber")
	})

	b.Publish(Event{Type: EventServiceStarted, Data: map[string]any{"name": "whisper"}})
	wg.Wait()

	if got.Type != EventServiceStarted || got.Data["name"] != "whisper" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestClear_RemovesAllHandlers(t *testing.T) {
	b := NewEventBus()
	b.Subscribe(EventServiceStarted, func(Event) { t.Error("handler should have been cleared") })
	b.Clear()
	b.Publish(Event{Type: EventServiceStarted})
}
