package appqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	q := New(4)
	q.Put([]byte("hello"))

	buf := make([]byte, 16)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := q.Get(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestGetTruncatesToBufferCapacity(t *testing.T) {
	q := New(1)
	q.Put([]byte("0123456789"))

	buf := make([]byte, 4)
	n, err := q.Get(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "0123", string(buf))
}

func TestGetBlocksUntilCanceled(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx, make([]byte, 4))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPutNeverBlocksEvenWhenUnbuffered(t *testing.T) {
	q := New(0)
	done := make(chan struct{})
	go func() {
		q.Put([]byte("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked on an unbuffered queue with no waiting Get")
	}
}

func TestOneMessagePerDequeue(t *testing.T) {
	q := New(4)
	q.Put([]byte("a"))
	q.Put([]byte("b"))

	buf := make([]byte, 16)
	n, _ := q.Get(context.Background(), buf)
	assert.Equal(t, "a", string(buf[:n]))
	n, _ = q.Get(context.Background(), buf)
	assert.Equal(t, "b", string(buf[:n]))
}
