package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNATSClient_PublishSubscribe(t *testing.T) {
	client := NewMockNATSClient()
	ctx := context.Background()

	var got []string
	require.NoError(t, client.Subscribe(ctx, "mintgate.node.a", func(_ context.Context, data []byte) {
		got = append(got, string(data))
	}))
	assert.Equal(t, 1, client.SubscriberCount("mintgate.node.a"))

	require.NoError(t, client.Publish(ctx, "mintgate.node.a", []byte("one")))
	require.NoError(t, client.Publish(ctx, "mintgate.node.b", []byte("two")))

	assert.Equal(t, []string{"one"}, got, "handlers run synchronously per subject")
	assert.Equal(t, 1, client.GetMessageCount("mintgate.node.b"))
	WaitForMessageCount(t, client, "mintgate.node.a", 1, time.Second)

	client.Clear("mintgate.node.b")
	AssertNoMessages(t, client, "mintgate.node.b")
}

func TestMockNATSClient_Failures(t *testing.T) {
	client := NewMockNATSClient()
	ctx := context.Background()

	boom := errors.New("boom")
	client.FailPublish(boom)
	assert.ErrorIs(t, client.Publish(ctx, "s", nil), boom)
	client.FailPublish(nil)
	assert.NoError(t, client.Publish(ctx, "s", nil))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, client.Subscribe(cancelled, "s", func(context.Context, []byte) {}))

	require.NoError(t, client.Close())
	assert.Error(t, client.Publish(ctx, "s", nil))
	assert.Error(t, client.Subscribe(ctx, "s", func(context.Context, []byte) {}))
}

func TestMockConn(t *testing.T) {
	a, b := NewMockConn(), NewMockConn()
	assert.NotEqual(t, a.RemoteAddr(), b.RemoteAddr())

	require.NoError(t, a.Send([]byte(`{"x":1}`)))
	assert.Equal(t, []string{`{"x":1}`}, a.SentStrings())

	a.FailSend(errors.New("reset"))
	assert.Error(t, a.Send([]byte("y")))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, b.IsClosed())
	assert.Equal(t, 2, b.CloseCount())
	assert.Error(t, b.Send([]byte("z")))

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed")
	}
}
