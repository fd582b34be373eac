package fabric

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"method":"mining.submit"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 0)))
	// Corrupt the length prefix to claim an absurd size.
	raw := buf.Bytes()
	raw[0], raw[1], raw[2], raw[3] = 0xff, 0xff, 0xff, 0x7f
	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestQueuePushPopOrderAndDrop(t *testing.T) {
	q := NewQueue("test", 2)
	q.Push(Message{Payload: []byte("1")})
	q.Push(Message{Payload: []byte("2")})
	q.Push(Message{Payload: []byte("3")}) // dropped: capacity 2
	require.Equal(t, 2, q.Len())

	m, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, []byte("1"), m.Payload)
}

func TestWorkerPoolProcessesAllMessages(t *testing.T) {
	q := NewQueue("pool-test", 0)
	var mu sync.Mutex
	var seen []string

	handler := func(ctx context.Context, msg Message) {
		mu.Lock()
		seen = append(seen, string(msg.Payload))
		mu.Unlock()
	}

	pool := NewWorkerPool(q, handler, 2)
	pool.Start(context.Background())

	for i := 0; i < 10; i++ {
		q.Push(Message{Payload: []byte{byte('a' + i)}})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 10 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	q.Close()
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 10)
}
