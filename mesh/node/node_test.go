package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lanmesh/config"
	"lanmesh/mesh/peer"
	"lanmesh/mesh/protocol"
	"lanmesh/mesh/transport"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeTransport records sends and serves canned discovery results.
type fakeTransport struct {
	mu          sync.Mutex
	descriptors []transport.PeerDescriptor
	discoverErr error
	sendErr     map[string]error // per-target failure injection
	sent        []sentMessage
	recv        transport.ReceiveFunc
	closed      int
	discovers   int
}

type sentMessage struct {
	nodeID string
	data   []byte
	opts   transport.SendOptions
}

func (f *fakeTransport) Discover(ctx context.Context, timeout time.Duration) ([]transport.PeerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.descriptors, nil
}

func (f *fakeTransport) SendTo(ctx context.Context, nodeID string, data []byte, opts transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[nodeID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{nodeID: nodeID, data: data, opts: opts})
	return nil
}

func (f *fakeTransport) OnReceive(fn transport.ReceiveFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, m := range f.sent {
		ids = append(ids, m.nodeID)
	}
	return ids
}

func newTestNode(t *testing.T) (*Node, *fakeTransport, *clock.Mock) {
	t.Helper()
	ft := &fakeTransport{sendErr: make(map[string]error)}
	mock := clock.NewMock()
	cfg := config.New(config.WithNodeID("self"))
	return newNode(cfg, ft, mock), ft, mock
}

// start marks the node running without spinning up the timer loops, so tests
// drive cycles explicitly.
func start(n *Node) { n.running = true }

func TestPublishRequiresConnection(t *testing.T) {
	n, _, _ := newTestNode(t)

	_, err := n.Publish("metrics", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishBroadcastsWithoutHeader(t *testing.T) {
	n, ft, _ := newTestNode(t)
	start(n)
	n.registry.Upsert("n1", peer.Fields{})
	n.registry.Upsert("n2", peer.Fields{})

	sent, err := n.Publish("metrics", []byte(`{"value":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ft.sentTo())
}

func TestPublishPartialFailure(t *testing.T) {
	n, ft, _ := newTestNode(t)
	start(n)
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		n.registry.Upsert(id, peer.Fields{})
	}
	ft.sendErr["n2"] = errors.New("unreachable")
	ft.sendErr["n4"] = errors.New("unreachable")

	// 2 of 5 sends fail: publish reports the 3 that succeeded, no error.
	sent, err := n.Publish("metrics", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
}

func TestPublishExplicitTarget(t *testing.T) {
	n, ft, _ := newTestNode(t)
	start(n)
	n.registry.Upsert("n1", peer.Fields{})
	n.registry.Upsert("n2", peer.Fields{})

	sent, err := n.Publish("metrics", []byte(`{"header":{"to":"n1"},"value":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"n1"}, ft.sentTo())
}

func TestPublishUnknownTargetWidensToBroadcast(t *testing.T) {
	n, ft, _ := newTestNode(t)
	start(n)
	n.registry.Upsert("n1", peer.Fields{})
	n.registry.Upsert("n2", peer.Fields{})

	// The documented escape valve: an unknown explicit target becomes a
	// broadcast at the publish layer rather than a silent drop.
	sent, err := n.Publish("metrics", []byte(`{"header":{"to":"nope"}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ft.sentTo())
}

func TestPublishNonJSONPayloadBroadcasts(t *testing.T) {
	n, ft, _ := newTestNode(t)
	start(n)
	n.registry.Upsert("n1", peer.Fields{})
	n.registry.Upsert("n2", peer.Fields{})

	// A payload that is no JSON at all must still go out as a broadcast,
	// never fail the publish.
	payload := []byte("raw non-json bytes \x00\x01")
	sent, err := n.Publish("metrics", payload)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ft.sentTo())

	// The bytes survive the envelope unchanged.
	env, err := protocol.ParseEnvelope(ft.sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, payload, env.PayloadBytes())
}

func TestPublishNoPeers(t *testing.T) {
	n, _, _ := newTestNode(t)
	start(n)

	sent, err := n.Publish("metrics", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestPublishEnvelopeCarriesPayload(t *testing.T) {
	n, ft, _ := newTestNode(t)
	start(n)
	n.registry.Upsert("n1", peer.Fields{})

	payload := []byte(`{"value":42}`)
	_, err := n.Publish("sensor.reading", payload)
	require.NoError(t, err)

	require.Len(t, ft.sent, 1)
	msg := ft.sent[0]
	assert.Equal(t, "smart_message", msg.opts.Type)
	assert.Equal(t, "sensor.reading", msg.opts.MessageClass)
	assert.Contains(t, string(msg.data), `"value":42`)
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	ft := &fakeTransport{sendErr: make(map[string]error)}
	cfg := config.New(config.WithNodeID("self"), config.WithHeartbeatInterval(0))
	n := New(cfg, ft)

	assert.Error(t, n.Configure())
	assert.False(t, n.isRunning())
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := &fakeTransport{sendErr: make(map[string]error)}
	cfg := config.New(config.WithNodeID("self"))
	n := New(cfg, ft)

	require.NoError(t, n.Connect())
	require.NoError(t, n.Connect()) // idempotent

	n.registry.Upsert("n1", peer.Fields{})
	n.Subscribe("metrics", func([]byte) {})

	require.NoError(t, n.Disconnect())
	assert.Equal(t, 0, n.registry.Len())
	assert.Empty(t, n.subs.classes())

	// Disconnect is idempotent and leaves the registry empty both times.
	require.NoError(t, n.Disconnect())
	assert.Equal(t, 0, n.registry.Len())

	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	assert.Equal(t, 1, closed, "transport closed exactly once")
}

func TestConfigureRegistersReceiveCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	ft := &fakeTransport{sendErr: make(map[string]error)}
	n := New(config.New(config.WithNodeID("self")), ft)

	require.NoError(t, n.Configure())
	defer n.Disconnect()

	ft.mu.Lock()
	recv := ft.recv
	ft.mu.Unlock()
	require.NotNil(t, recv)

	// The callback feeds heartbeats straight into the registry.
	recv([]byte(`{"type":"heartbeat","node_id":"n1"}`), transport.SenderInfo{Address: "10.0.0.1", Port: 5000})
	_, ok := n.registry.Get("n1")
	assert.True(t, ok)
}

func TestTopologySnapshot(t *testing.T) {
	n, _, _ := newTestNode(t)
	start(n)
	n.registry.Upsert("n1", peer.Fields{Address: "10.0.0.1", Capabilities: []string{"storage"}})
	n.Subscribe("metrics", func([]byte) {})

	topo := n.Topology()
	assert.Equal(t, "self", topo.NodeID)
	require.Len(t, topo.Peers, 1)
	assert.Equal(t, "n1", topo.Peers[0].ID)
	assert.Equal(t, []string{"metrics"}, topo.Subscriptions)
}

func TestUnsubscribeStopsAdvertising(t *testing.T) {
	n, _, _ := newTestNode(t)

	s1 := n.Subscribe("metrics", func([]byte) {})
	s2 := n.Subscribe("metrics", func([]byte) {})
	assert.Equal(t, []string{"metrics"}, n.subs.classes())

	n.Unsubscribe(s1)
	assert.Equal(t, []string{"metrics"}, n.subs.classes(), "one handler left")

	n.Unsubscribe(s2)
	assert.Empty(t, n.subs.classes())
	assert.False(t, n.subs.hasActive("metrics"))
}
