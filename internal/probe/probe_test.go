package probe

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"NetSimCore/internal/core/model"
)

func TestFrameRoundTrip(t *testing.T) {
	in := model.Frame{
		Interface: "eth0",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Data:      []byte{0xde, 0xad, 0xbe, 0xef},
	}
	b, err := MarshalFrame(in)
	require.NoError(t, err)

	out, err := UnmarshalFrame(b)
	require.NoError(t, err)
	assert.Equal(t, in.Interface, out.Interface)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Data, out.Data)

	b[len(b)-1] = 0x00
	assert.Equal(t, byte(0xef), out.Data[3], "decoded data does not alias the message")
}

func TestUnmarshalFrameSkipsUnknownFields(t *testing.T) {
	b, err := MarshalFrame(model.Frame{Interface: "eth1", Data: []byte{1}})
	require.NoError(t, err)
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	f, err := UnmarshalFrame(b)
	require.NoError(t, err)
	assert.Equal(t, "eth1", f.Interface)
	assert.True(t, f.Timestamp.IsZero())
}

func TestUnmarshalFrameRejectsGarbage(t *testing.T) {
	_, err := UnmarshalFrame([]byte{0x0a, 0x10, 'e'})
	assert.ErrorIs(t, err, ErrBadFrame)

	_, err = UnmarshalFrame([]byte{0xff})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestSubscriberHandleMsg(t *testing.T) {
	var got []model.Frame
	s := &Subscriber{logger: zap.NewNop(), handler: func(f model.Frame) { got = append(got, f) }}

	b, err := MarshalFrame(model.Frame{Interface: "eth2", Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	s.handleMsg(&nats.Msg{Subject: "netsim.frames", Data: b})
	s.handleMsg(&nats.Msg{Subject: "netsim.frames", Data: []byte{0xff}})

	require.Len(t, got, 1)
	assert.Equal(t, "eth2", got[0].Interface)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Data)
}
