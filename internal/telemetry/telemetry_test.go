package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingClient struct {
	mu       sync.Mutex
	channel  string
	messages [][]byte
	fail     bool
}

func (r *recordingClient) Publish(ctx context.Context, channel string, message []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("publish failed")
	}
	r.channel = channel
	r.messages = append(r.messages, message)
	return nil
}

func TestPublishSendsSnapshotToConfiguredChannel(t *testing.T) {
	client := &recordingClient{}
	p := New(client, "ops:stats", discardLogger())

	p.Publish(context.Background(), 120, []byte(`{"clients":{"count":1}}`))

	require.Len(t, client.messages, 1)
	assert.Equal(t, "ops:stats", client.channel)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(client.messages[0], &snap))
	assert.Equal(t, int64(120), snap.Runtime)
	assert.NotEmpty(t, snap.ID)
}

func TestPublishWithNilClientDoesNotPanic(t *testing.T) {
	p := New(nil, "", discardLogger())
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), 0, []byte(`{}`))
	})
}

func TestPublishSwallowsClientErrors(t *testing.T) {
	client := &recordingClient{fail: true}
	p := New(client, "chan", discardLogger())

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), 1, []byte(`{}`))
	})
}

func TestNewRedisAdapterWrapsPublishFunc(t *testing.T) {
	var gotChannel string
	var gotMessage interface{}
	adapter := NewRedisAdapter(func(ctx context.Context, channel string, message interface{}) error {
		gotChannel = channel
		gotMessage = message
		return nil
	})

	err := adapter.Publish(context.Background(), "c", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "c", gotChannel)
	assert.Equal(t, []byte("payload"), gotMessage)
}
