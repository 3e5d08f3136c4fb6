package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/config"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/framesync"
)

func decode(t *testing.T, wire []byte) *ccsds.Packet {
	t.Helper()
	state, pkt := ccsds.Decode(wire, 0)
	require.Equal(t, ccsds.PacketComplete, state)
	return pkt
}

func u16(v uint16) *uint16 { return &v }

func TestEncoder_Frame(t *testing.T) {
	enc := &Encoder{APIDBase: 0x100}

	first, err := enc.Frame(Command{APID: 2, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	second, err := enc.Frame(Command{APID: 2, Data: []byte{4}})
	require.NoError(t, err)
	other, err := enc.Frame(Command{APID: 3, Data: []byte{5}})
	require.NoError(t, err)

	p1, p2, p3 := decode(t, first), decode(t, second), decode(t, other)
	assert.Equal(t, uint16(0x102), p1.Header.APID)
	assert.Equal(t, uint8(1), p1.Header.Type, "telecommand")
	assert.Equal(t, []byte{1, 2, 3}, p1.Data)
	assert.Equal(t, uint16(0), p1.Header.SequenceCount)
	assert.Equal(t, uint16(1), p2.Header.SequenceCount)
	assert.Equal(t, uint16(0), p3.Header.SequenceCount, "sequence counts are per APID")
}

func TestEncoder_Sequence(t *testing.T) {
	enc := &Encoder{}

	wire, err := enc.Frame(Command{APID: 1, Data: []byte{1}, Sequence: u16(16383)})
	require.NoError(t, err)
	assert.Equal(t, uint16(16383), decode(t, wire).Header.SequenceCount)

	wire, err = enc.Frame(Command{APID: 1, Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), decode(t, wire).Header.SequenceCount, "wraps at 2^14")

	// A failed command does not consume a sequence count.
	_, err = enc.Frame(Command{APID: 1})
	assert.ErrorIs(t, err, core.ErrPayloadEmpty)
	wire, err = enc.Frame(Command{APID: 1, Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), decode(t, wire).Header.SequenceCount)
}

func TestEncoder_Padding(t *testing.T) {
	enc := &Encoder{PadTo: 32}

	wire, err := enc.Frame(Command{APID: 5, Data: []byte{9, 9}})
	require.NoError(t, err)
	require.Len(t, wire, 32)
	assert.Equal(t, []byte{9, 9}, decode(t, wire).Data)
	assert.Equal(t, make([]byte, 32-8), wire[8:])

	_, err = enc.Frame(Command{APID: 5, Data: make([]byte, 27)})
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)
}

func TestEncoder_Sync(t *testing.T) {
	s, err := framesync.NewSyncer(framesync.DefaultMarker, framesync.DefaultLengthWidth)
	require.NoError(t, err)
	enc := &Encoder{Syncer: &s}

	wire, err := enc.Frame(Command{APID: 7, Data: []byte("noop")})
	require.NoError(t, err)

	res := framesync.Desync(wire, s.Marker, s.LengthWidth, framesync.DefaultMaxFrameSize)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, []byte("noop"), decode(t, res.Frames[0]).Data)
}

func TestEncoder_APIDOutOfRange(t *testing.T) {
	enc := &Encoder{APIDBase: 0x7F0}
	_, err := enc.Frame(Command{APID: 0x0F, Data: []byte{1}})
	assert.ErrorIs(t, err, core.ErrAPIDOutOfRange)
}

func TestTCPLink_Listen(t *testing.T) {
	link, err := NewTCPLink(TCPLinkConfig{Mode: "listen", Address: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	assert.ErrorIs(t, link.Send(ctx, []byte{1}), core.ErrUplinkDown)

	require.Eventually(t, func() bool { return link.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	conn, err := net.Dial("tcp", link.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, link.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, link.Send(ctx, []byte("cmd")))
	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("cmd"), buf)

	sent, failed := link.Counts()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), failed)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, link.Connected())
}

func TestTCPLink_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err == nil {
			received <- buf
		}
	}()

	link, err := NewTCPLink(TCPLinkConfig{Mode: "dial", Address: ln.Addr().String()})
	require.NoError(t, err)
	require.NoError(t, link.Send(context.Background(), []byte("ping")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("no data received")
	}
}

func TestTCPLink_DialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	link, err := NewTCPLink(TCPLinkConfig{Mode: "dial", Address: addr, WriteTimeout: time.Second})
	require.NoError(t, err)
	assert.ErrorIs(t, link.Send(context.Background(), []byte{1}), core.ErrUplinkDown)
}

func TestNewTCPLink_Invalid(t *testing.T) {
	_, err := NewTCPLink(TCPLinkConfig{Mode: "bind", Address: "x:1"})
	assert.Error(t, err)
	_, err = NewTCPLink(TCPLinkConfig{Mode: "dial"})
	assert.Error(t, err)
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed int
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// fakeSender records frames.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *fakeSender) Send(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestConsumer(r reader, s Sender) *KafkaCommandConsumer {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	return &KafkaCommandConsumer{
		hostname: "gs-01",
		reader:   r,
		encoder:  &Encoder{},
		sender:   s,
		ttl:      time.Minute,
		now:      func() time.Time { return now },
	}
}

func message(t *testing.T, cmd UplinkCommand) kafka.Message {
	t.Helper()
	value, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestKafkaCommandConsumer_ProcessMessage(t *testing.T) {
	issued := time.Date(2024, 1, 15, 10, 29, 30, 0, time.UTC)

	tests := []struct {
		name     string
		msg      func(t *testing.T) kafka.Message
		wantSent int
		wantErr  bool
	}{
		{
			name: "targeted command",
			msg: func(t *testing.T) kafka.Message {
				return message(t, UplinkCommand{Target: "gs-01", APID: 4, Data: []byte{1}, Timestamp: issued, RequestID: "r1"})
			},
			wantSent: 1,
		},
		{
			name: "broadcast",
			msg: func(t *testing.T) kafka.Message {
				return message(t, UplinkCommand{Target: "*", APID: 4, Data: []byte{1}})
			},
			wantSent: 1,
		},
		{
			name: "other node",
			msg: func(t *testing.T) kafka.Message {
				return message(t, UplinkCommand{Target: "gs-02", APID: 4, Data: []byte{1}})
			},
		},
		{
			name: "stale",
			msg: func(t *testing.T) kafka.Message {
				return message(t, UplinkCommand{APID: 4, Data: []byte{1}, Timestamp: issued.Add(-time.Hour)})
			},
		},
		{
			name:    "invalid json",
			msg:     func(t *testing.T) kafka.Message { return kafka.Message{Value: []byte("{")} },
			wantErr: true,
		},
		{
			name: "empty data",
			msg: func(t *testing.T) kafka.Message {
				return message(t, UplinkCommand{APID: 4})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			c := newTestConsumer(&fakeReader{}, sender)
			err := c.processMessage(context.Background(), tt.msg(t))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantSent, sender.count())
		})
	}
}

func TestKafkaCommandConsumer_DataIsBase64(t *testing.T) {
	sender := &fakeSender{}
	c := newTestConsumer(&fakeReader{}, sender)

	raw := []byte(`{"target":"gs-01","apid":9,"data":"AQIDBA==","sequence":12,"request_id":"r9"}`)
	require.NoError(t, c.processMessage(context.Background(), kafka.Message{Value: raw}))
	require.Equal(t, 1, sender.count())

	pkt := decode(t, sender.frames[0])
	assert.Equal(t, []byte{1, 2, 3, 4}, pkt.Data)
	assert.Equal(t, uint16(9), pkt.Header.APID)
	assert.Equal(t, uint16(12), pkt.Header.SequenceCount)
}

func TestKafkaCommandConsumer_SendFailure(t *testing.T) {
	sender := &fakeSender{err: core.ErrUplinkDown}
	c := newTestConsumer(&fakeReader{}, sender)
	err := c.processMessage(context.Background(), message(t, UplinkCommand{APID: 1, Data: []byte{1}}))
	assert.True(t, errors.Is(err, core.ErrUplinkDown))
}

func TestKafkaCommandConsumer_Start(t *testing.T) {
	r := &fakeReader{}
	r.msgs = []kafka.Message{
		message(t, UplinkCommand{APID: 1, Data: []byte{1}}),
		{Value: []byte("garbage")},
		message(t, UplinkCommand{APID: 1, Data: []byte{2}}),
	}
	sender := &fakeSender{}
	c := newTestConsumer(r, sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.committed == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, sender.count())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.True(t, r.closed)
}

func TestNewKafkaCommandConsumer(t *testing.T) {
	enc := &Encoder{}
	sender := &fakeSender{}

	tests := []struct {
		name    string
		config  config.CommandChannelConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: config.CommandChannelConfig{Kafka: config.CommandKafkaConfig{
				Brokers: []string{"localhost:9092"}, Topic: "commands", GroupID: "skylink",
			}},
		},
		{
			name:    "missing brokers",
			config:  config.CommandChannelConfig{Kafka: config.CommandKafkaConfig{Topic: "commands", GroupID: "g"}},
			wantErr: true,
		},
		{
			name:    "missing topic",
			config:  config.CommandChannelConfig{Kafka: config.CommandKafkaConfig{Brokers: []string{"b:9092"}, GroupID: "g"}},
			wantErr: true,
		},
		{
			name:    "missing group_id",
			config:  config.CommandChannelConfig{Kafka: config.CommandKafkaConfig{Brokers: []string{"b:9092"}, Topic: "c"}},
			wantErr: true,
		},
		{
			name: "invalid ttl",
			config: config.CommandChannelConfig{CommandTTL: "soon", Kafka: config.CommandKafkaConfig{
				Brokers: []string{"b:9092"}, Topic: "c", GroupID: "g",
			}},
			wantErr: true,
		},
		{
			name: "invalid offset reset",
			config: config.CommandChannelConfig{Kafka: config.CommandKafkaConfig{
				Brokers: []string{"b:9092"}, Topic: "c", GroupID: "g", AutoOffsetReset: "middle",
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewKafkaCommandConsumer(tt.config, "gs-01", enc, sender)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultCommandTTL, c.ttl)
			require.NoError(t, c.Stop())
		})
	}
}
