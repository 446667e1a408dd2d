package nats_test

import (
	"errors"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/processors/nats"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

type recordingSink struct {
	msgs []*natsgo.Msg
	err  error
}

func (s *recordingSink) PublishMsg(m *natsgo.Msg) error {
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func newContext(t *testing.T) *runtime.Context {
	t.Helper()
	ctx, err := runtime.NewContext(t.Context(), runtime.DefaultConfig().WithRunID("nats-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func TestPublisherPublishesJSON(t *testing.T) {
	ctx := newContext(t)
	sink := &recordingSink{}
	p := &nats.Publisher{Subject: "orders.${ m.region }", Sink: sink}
	require.NoError(t, ctx.Initialize(p))

	in := message.FromPairs("region", "eu", "id", 7)
	out, err := runtime.Collect(ctx, p, in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, in, out[0])

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.Equal(t, "orders.eu", msg.Subject)
	assert.JSONEq(t, `{"region":"eu","id":7}`, string(msg.Data))
	assert.Equal(t, "nats-test", msg.Header.Get(nats.RunIDHeader))
	assert.Empty(t, msg.Header.Get(natsgo.MsgIdHdr))
	assert.Equal(t, 1, p.Published())
}

func TestPublisherStringPayload(t *testing.T) {
	ctx := newContext(t)
	sink := &recordingSink{}
	p := &nats.Publisher{Subject: "lines", Data: "${ m.line }", JetStream: true, Sink: sink}
	require.NoError(t, ctx.Initialize(p))

	_, err := runtime.Collect(ctx, p, message.FromPairs("line", "a,b"), message.FromPairs("line", "c,d"))
	require.NoError(t, err)
	require.Len(t, sink.msgs, 2)
	assert.Equal(t, "a,b", string(sink.msgs[0].Data))
	assert.NotEmpty(t, sink.msgs[0].Header.Get(natsgo.MsgIdHdr))
	assert.NotEqual(t, sink.msgs[0].Header.Get(natsgo.MsgIdHdr), sink.msgs[1].Header.Get(natsgo.MsgIdHdr))
}

func TestPublisherErrors(t *testing.T) {
	ctx := newContext(t)
	boom := errors.New("nats: connection closed")
	p := &nats.Publisher{Subject: "x", Sink: &recordingSink{err: boom}}
	require.NoError(t, ctx.Initialize(p))

	_, err := runtime.Collect(ctx, p, message.FromPairs("a", 1))
	assert.ErrorIs(t, err, boom)
	assert.True(t, cerrors.IsProcessing(err))

	missing := &nats.Publisher{Subject: "${ m.nope }", Sink: &recordingSink{}}
	require.NoError(t, ctx.Initialize(missing))
	_, err = runtime.Collect(ctx, missing, message.FromPairs("a", 1))
	assert.True(t, cerrors.IsKeyNotFound(err))
}

func TestPublisherConfiguration(t *testing.T) {
	ctx := newContext(t)
	assert.True(t, cerrors.IsConfiguration(ctx.Initialize(&nats.Publisher{})))

	err := ctx.Initialize(&nats.Publisher{URL: "nats://127.0.0.1:1", Subject: "x"})
	assert.True(t, cerrors.IsConfiguration(err))
}
