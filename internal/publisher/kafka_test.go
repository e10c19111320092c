package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafka_Deliver(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, "timeline-tracker", testLogger())

	require.NoError(t, k.Deliver(context.Background(), testItem()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "1001", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, EventItemNew, headers["type"])
	assert.Equal(t, "42", headers["item_id"])

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "timeline-tracker", ev.Source)
	assert.Equal(t, int64(42), ev.Item.ID)
}

func TestKafka_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	k := newKafka(w, "src", testLogger())

	err := k.Deliver(context.Background(), testItem())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestKafka_Close(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, "src", testLogger())

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}
