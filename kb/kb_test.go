package kb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/crosspoint-router/model"
)

var (
	camVideo = model.Endpoint{DeviceID: "cam1", Address: "sdi"}
	camAudio = model.Endpoint{DeviceID: "cam1", Address: "aes"}
)

func camera() model.LogicalEndpoint {
	return model.LogicalEndpoint{
		Name: "Camera 1",
		Endpoints: []model.Connection{
			{Endpoint: camVideo, Signals: model.SignalVideo},
			{Endpoint: camAudio, Signals: model.SignalAudio | model.SignalSecondaryAudio},
		},
	}
}

func TestAddAndResolve(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Add(KindSource, camera()))

	ep, err := d.Resolve(KindSource, "Camera 1", model.SignalVideo)
	require.NoError(t, err)
	require.Equal(t, camVideo, ep)

	ep, err = d.Resolve(KindSource, "Camera 1", model.SignalSecondaryAudio)
	require.NoError(t, err)
	require.Equal(t, camAudio, ep)

	_, err = d.Resolve(KindSource, "Camera 1", model.SignalUSB)
	require.ErrorIs(t, err, ErrNoEndpoint)

	_, err = d.Resolve(KindDestination, "Camera 1", model.SignalVideo)
	require.ErrorIs(t, err, ErrNameNotFound)
}

func TestAddDuplicate(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Add(KindSource, camera()))
	require.ErrorIs(t, d.Add(KindSource, camera()), ErrNameExists)
	// Sources and destinations are separate namespaces.
	require.NoError(t, d.Add(KindDestination, camera()))
}

func TestGetReturnsCopy(t *testing.T) {
	d := NewDirectory()
	le := camera()
	require.NoError(t, d.Add(KindSource, le))
	le.Endpoints[0].Signals = model.SignalUSB

	got, ok := d.Get(KindSource, "Camera 1")
	require.True(t, ok)
	require.Equal(t, model.SignalVideo, got.Endpoints[0].Signals)

	got.Endpoints[0].Signals = model.SignalUSB
	again, _ := d.Get(KindSource, "Camera 1")
	require.Equal(t, model.SignalVideo, again.Endpoints[0].Signals)
}

func TestReplaceAndNames(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Add(KindSource, camera()))

	var events []Event
	d.Subscribe(func(ev Event) { events = append(events, ev) })

	d.Replace(
		[]model.LogicalEndpoint{{Name: "B"}, {Name: "A"}},
		[]model.LogicalEndpoint{{Name: "Monitor"}},
	)
	require.Equal(t, []string{"A", "B"}, d.Names(KindSource))
	require.Equal(t, []string{"Monitor"}, d.Names(KindDestination))
	_, ok := d.Get(KindSource, "Camera 1")
	require.False(t, ok)
	require.Len(t, events, 1)
	require.Equal(t, EventReplaced, events[0].Type)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	d := NewDirectory()

	var first, second int
	unsubFirst := d.Subscribe(func(Event) { first++ })
	d.Subscribe(func(Event) { second++ })

	require.NoError(t, d.Add(KindSource, model.LogicalEndpoint{Name: "a"}))
	unsubFirst()
	unsubFirst() // idempotent
	require.NoError(t, d.Add(KindSource, model.LogicalEndpoint{Name: "b"}))

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestConcurrentAccess(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Add(KindSource, camera()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = d.Resolve(KindSource, "Camera 1", model.SignalVideo)
				_ = d.Names(KindSource)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			d.Replace([]model.LogicalEndpoint{camera()}, nil)
		}
	}()
	wg.Wait()
}
