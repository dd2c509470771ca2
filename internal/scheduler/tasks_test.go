package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sikt-no/zino/internal/domain"
	"github.com/sikt-no/zino/internal/snmpclient"
	"github.com/sikt-no/zino/internal/store"
)

// alwaysUpClient answers every Get with a fixed sysUpTime and never fails,
// simulating a healthy device across repeated poll cycles.
type alwaysUpClient struct{}

func (alwaysUpClient) Get(ctx context.Context, oids []string) ([]gosnmp.SnmpPDU, error) {
	return []gosnmp.SnmpPDU{{Name: oids[0], Value: 12345}}, nil
}
func (alwaysUpClient) WalkAll(ctx context.Context, root string) ([]gosnmp.SnmpPDU, error) {
	return nil, nil
}
func (alwaysUpClient) Close() error { return nil }
func (alwaysUpClient) RTTMillis() snmpclient.RTTSummary { return snmpclient.RTTSummary{} }

type fixedSessions struct{ client snmpclient.Client }

func (f fixedSessions) Session(*domain.Device) (snmpclient.Client, error) { return f.client, nil }

func TestReachableTaskNeverGhostsAcrossHealthyPolls(t *testing.T) {
	bus := EventBus.New()
	var created int
	require.NoError(t, bus.Subscribe(store.TopicEventCreated, func(store.Change) { created++ }))

	es := store.NewEventStore(bus, nil)
	task := &ReachableTask{Sessions: fixedSessions{alwaysUpClient{}}, Events: es}
	dev := &domain.Device{Name: "sw1"}

	base := time.Now()
	for i := 0; i < 5; i++ {
		tc := &TaskContext{Device: dev, State: domain.NewDeviceState(dev.Name), Now: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, task.Run(context.Background(), tc))
	}

	assert.Equal(t, 0, created, "a device that has always been reachable must never publish event:created")

	key := domain.Key{Router: "sw1", Type: domain.TypeReachability}
	_, freshlyCreated, err := es.GetOrCreate(key, base)
	require.NoError(t, err)
	assert.True(t, freshlyCreated, "no committed reachability event should exist, and no ghost should occupy the key")
}
