package eventbus

import "testing"

func TestSubscribePublishDelivers(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(Migrating)
	defer unsub()

	bus.Publish(Migrating)

	select {
	case <-ch:
	default:
		t.Fatal("expected subscriber to receive the published event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := New()
	_, unsub := bus.Subscribe(Aborting)
	defer unsub()

	done := make(chan struct{})
	go func() {
		bus.Publish(Aborting)
		bus.Publish(Aborting)
		close(done)
	}()

	select {
	case <-done:
	default:
	}
	<-done
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(ConfigChanged)
	unsub()

	bus.Publish(ConfigChanged)

	select {
	case <-ch:
		t.Fatal("expected no delivery after unsubscribe")
	default:
	}
}

func TestEventsAreIsolated(t *testing.T) {
	bus := New()
	migCh, unsubMig := bus.Subscribe(Migrating)
	defer unsubMig()
	abortCh, unsubAbort := bus.Subscribe(Aborting)
	defer unsubAbort()

	bus.Publish(Migrating)

	select {
	case <-migCh:
	default:
		t.Fatal("expected migrating subscriber to receive")
	}
	select {
	case <-abortCh:
		t.Fatal("expected aborting subscriber to not receive a migrating publish")
	default:
	}
}
