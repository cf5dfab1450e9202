package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyRecordsPublishes(t *testing.T) {
	d := NewDummy(nil)
	ctx := context.Background()
	require.NoError(t, d.Publish(ctx, "/a", true))
	require.NoError(t, d.Publish(ctx, "/b", []float64{3}))
	require.NoError(t, d.Publish(ctx, "/a", false))

	assert.Equal(t, []interface{}{true, false}, d.PublishedOn("/a"))
	assert.Len(t, d.Published(), 3)
}

func TestDummyHookCanFailPublishes(t *testing.T) {
	d := NewDummy(nil)
	boom := errors.New("boom")
	d.SetPublishHook(func(ctx context.Context, topic string, value interface{}) error {
		if topic == "/bad" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, d.Publish(context.Background(), "/bad", true), boom)
	assert.NoError(t, d.Publish(context.Background(), "/good", true))
	assert.Len(t, d.Published(), 1)
}

func TestDummySubscribeAndInject(t *testing.T) {
	d := NewDummy(nil)
	var got []Message
	sub, err := d.Subscribe("/turn", func(m Message) { got = append(got, m) })
	require.NoError(t, err)

	assert.Equal(t, 1, d.Inject("/turn", true))
	assert.Equal(t, 1, d.Inject("/turn", false))
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].Seq)
	assert.EqualValues(t, 2, got[1].Seq)
	assert.Equal(t, false, got[1].Value)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, d.Inject("/turn", true))
}

func TestDummyCall(t *testing.T) {
	d := NewDummy(nil)
	_, err := d.Call(context.Background(), "/start", nil)
	assert.ErrorIs(t, err, ErrNoService)

	d.SetService("/start", func(ctx context.Context, request interface{}) (Response, error) {
		return Response{Success: true, Message: "ok"}, nil
	})
	resp, err := d.Call(context.Background(), "/start", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestDummyClosed(t *testing.T) {
	d := NewDummy(nil)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Publish(context.Background(), "/a", true), ErrClosed)
	_, err := d.Subscribe("/a", func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Call(context.Background(), "/a", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
