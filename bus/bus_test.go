package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mgerrors "github.com/picoscratch/mintgate/errors"
	"github.com/picoscratch/mintgate/metric"
	mocks "github.com/picoscratch/mintgate/testutil"
)

type recordingHandler struct {
	mu        sync.Mutex
	toDevice  []string
	toClients []string
	closed    []string
	deviceErr error
}

func (h *recordingHandler) DeliverToDevice(_ context.Context, serial string, packet []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toDevice = append(h.toDevice, serial+"|"+string(packet))
	return h.deviceErr
}

func (h *recordingHandler) DeliverToClients(_ context.Context, serial string, packet []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toClients = append(h.toClients, serial+"|"+string(packet))
	return 1
}

func (h *recordingHandler) CloseClients(_ context.Context, serial string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, serial)
	return 1
}

func TestEnvelope_EncodeKeepsPacketBytes(t *testing.T) {
	packet := []byte(`{ "serial": "sensor-1",  "temp": 21.5 }`)

	data, err := ToClient("sensor-1", packet).Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), string(packet))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeToClient, env.Type)
	assert.Equal(t, "sensor-1", env.Serial)
	assert.Equal(t, string(packet), string(env.Packet))

	data, err = DisconnectClients("sensor-1").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"disconnectClients","serial":"sensor-1"}`, string(data))

	_, err = ToDevice("sensor-1", []byte("{not json")).Encode()
	assert.ErrorIs(t, err, mgerrors.ErrMalformedPacket)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `nope`},
		{"unknown type", `{"type":"toMars","serial":"s"}`},
		{"missing serial", `{"type":"toDevice","packet":{}}`},
		{"missing packet", `{"type":"toClient","serial":"s"}`},
		{"missing type", `{"serial":"s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, mgerrors.ErrMalformedPacket)
		})
	}
}

func TestBus_PublishDispatch(t *testing.T) {
	transport := mocks.NewMockNATSClient()
	m := metric.NewMetrics()
	ctx := context.Background()

	a := New(transport, "node-a", WithMetrics(m))
	b := New(transport, "node-b", WithMetrics(m))

	hb := &recordingHandler{}
	require.NoError(t, b.Start(ctx, hb))
	assert.Equal(t, 1, transport.SubscriberCount("mintgate.node.node-b"))

	require.NoError(t, a.Publish(ctx, "node-b", ToDevice("sensor-1", []byte(`{"led":1}`))))
	require.NoError(t, a.Publish(ctx, "node-b", ToClient("sensor-1", []byte(`{"temp":1}`))))
	require.NoError(t, a.Publish(ctx, "node-b", DisconnectClients("sensor-1")))

	assert.Equal(t, []string{`sensor-1|{"led":1}`}, hb.toDevice)
	assert.Equal(t, []string{`sensor-1|{"temp":1}`}, hb.toClients)
	assert.Equal(t, []string{"sensor-1"}, hb.closed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesPublished.WithLabelValues("toDevice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesReceived.WithLabelValues("disconnectClients")))

	mocks.AssertNoMessages(t, transport, "mintgate.node.node-a")
}

func TestBus_DropsMalformed(t *testing.T) {
	transport := mocks.NewMockNATSClient()
	m := metric.NewMetrics()
	ctx := context.Background()

	b := New(transport, "node-b", WithMetrics(m), WithPrefix("test.node"))
	h := &recordingHandler{deviceErr: errors.New("not here")}
	require.NoError(t, b.Start(ctx, h))

	require.NoError(t, transport.Publish(ctx, "test.node.node-b", []byte(`garbage`)))
	require.NoError(t, transport.Publish(ctx, "test.node.node-b", []byte(`{"type":"bogus","serial":"s"}`)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnvelopesDropped))
	assert.Empty(t, h.toDevice)

	require.NoError(t, transport.Publish(ctx, "test.node.node-b", []byte(`{"type":"toDevice","serial":"s","packet":{}}`)))
	assert.Len(t, h.toDevice, 1, "delivery error is only logged")
}

func TestBus_PublishFailure(t *testing.T) {
	transport := mocks.NewMockNATSClient()
	transport.FailPublish(errors.New("nats: connection closed"))

	b := New(transport, "node-a")
	err := b.Publish(context.Background(), "node-b", DisconnectClients("s"))
	require.Error(t, err)
	assert.True(t, mgerrors.IsTransient(err))
	assert.Equal(t, "mintgate.node.node-b", b.Subject("node-b"))
	assert.Equal(t, "node-a", b.Node())
}

func TestBus_StartFailure(t *testing.T) {
	transport := mocks.NewMockNATSClient()
	require.NoError(t, transport.Close())

	b := New(transport, "node-a")
	assert.Error(t, b.Start(context.Background(), &recordingHandler{}))
}
