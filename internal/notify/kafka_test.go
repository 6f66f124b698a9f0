package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wlanrx/internal/config"
	"firestige.xyz/wlanrx/internal/core"
	"firestige.xyz/wlanrx/internal/diag"
	"firestige.xyz/wlanrx/internal/replay"
)

// mockWriter records written messages.
type mockWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	gate   chan struct{} // when set, WriteMessages waits on it
	closed bool
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *mockWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *mockWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func event(pn uint64) replay.Event {
	return replay.Event{
		Time:   time.Unix(1700000000, 0),
		Peer:   core.MAC{0x02, 0, 0, 0, 0, 7},
		TID:    2,
		Cipher: core.CipherCCMP,
		Dir:    "unicast",
		PN:     core.PNFromUint64(pn),
		LastPN: core.PNFromUint64(9),
		Reason: diag.VerdictReplay,
	}
}

func TestPublisherSendsJSONEvents(t *testing.T) {
	w := &mockWriter{}
	p := newPublisher(w, 8, 4)
	p.Start()

	p.OnReplay(event(3))
	p.OnReplay(event(4))
	require.NoError(t, p.Stop(context.Background()))

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.Equal(t, "02:00:00:00:00:07", string(msgs[0].Key))
	assert.Equal(t, "cipher", msgs[0].Headers[0].Key)
	assert.Equal(t, "replay", string(msgs[0].Headers[1].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &body))
	assert.Equal(t, "02:00:00:00:00:07", body["peer"])
	assert.Equal(t, "ccmp", body["cipher"])
	assert.Equal(t, "0x3", body["pn"])
	assert.Equal(t, "0x9", body["last_pn"])
	assert.Equal(t, "replay", body["reason"])

	assert.Equal(t, Stats{Published: 2}, p.Stats())
	assert.True(t, w.closed)
}

func TestPublisherDropsWhenFull(t *testing.T) {
	w := &mockWriter{gate: make(chan struct{})}
	p := newPublisher(w, 2, 1)
	p.Start()

	// first event is taken by the sender and blocks in the writer
	p.OnReplay(event(1))
	assert.Eventually(t, func() bool { return len(p.events) == 0 }, time.Second, time.Millisecond)

	p.OnReplay(event(2))
	p.OnReplay(event(3))
	p.OnReplay(event(4))
	assert.Equal(t, uint64(1), p.Stats().Dropped)

	close(w.gate)
	require.NoError(t, p.Stop(context.Background()))
	assert.Len(t, w.written(), 3)

	p.OnReplay(event(5))
	assert.Equal(t, uint64(2), p.Stats().Dropped, "events after stop are dropped")
	require.NoError(t, p.Stop(context.Background()))
}

func TestPublisherCountsWriteErrors(t *testing.T) {
	w := &mockWriter{err: errors.New("broker down")}
	p := newPublisher(w, 8, 8)
	p.Start()
	p.OnReplay(event(1))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().Errors)
	assert.Equal(t, uint64(0), p.Stats().Published)
}

func TestPublisherImplementsHook(t *testing.T) {
	var _ replay.Hook = (*KafkaPublisher)(nil)
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := NewKafkaPublisher(config.KafkaNotifyConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(config.KafkaNotifyConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(config.KafkaNotifyConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "zstd2"})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(config.KafkaNotifyConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "lz4"})
	require.NoError(t, err)
	assert.Equal(t, defaultQueueSize, cap(p.events))
	require.NoError(t, p.writer.Close())
}
