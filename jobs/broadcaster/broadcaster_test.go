package broadcaster

import (
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshdex/infra/outbox"
)

type fakeProducer struct {
	mu       sync.Mutex
	sent     [][]byte
	failnext bool
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failnext {
		p.failnext = false
		return 0, 0, errors.New("broker unavailable")
	}
	raw, err := msg.Value.Encode()
	if err != nil {
		return 0, 0, err
	}
	p.sent = append(p.sent, raw)
	return 0, int64(len(p.sent)), nil
}

func (p *fakeProducer) Close() error { return nil }

func TestDrainPublishesAndAcks(t *testing.T) {
	out, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	defer out.Close()

	s1, _ := out.Append([]byte("event-1"))
	s2, _ := out.Append([]byte("event-2"))

	p := &fakeProducer{}
	b := newWith(out, p, "settlements", 0, zap.NewNop())
	b.drainOnce()

	assert.Equal(t, [][]byte{[]byte("event-1"), []byte("event-2")}, p.sent)
	for _, seq := range []uint64{s1, s2} {
		rec, err := out.Get(seq)
		require.NoError(t, err)
		assert.Equal(t, outbox.StateAcked, rec.State)
	}
}

func TestFailedPublishIsRetried(t *testing.T) {
	out, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	defer out.Close()

	seq, _ := out.Append([]byte("event-1"))

	p := &fakeProducer{failnext: true}
	b := newWith(out, p, "settlements", 0, zap.NewNop())

	b.drainOnce()
	rec, err := out.Get(seq)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSent, rec.State, "unacked row stays pending")
	assert.Empty(t, p.sent)

	b.drainOnce()
	rec, err = out.Get(seq)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateAcked, rec.State)
	assert.Equal(t, uint32(2), rec.Retries)
	assert.Equal(t, [][]byte{[]byte("event-1")}, p.sent)
}

func TestDrainSkipsAcked(t *testing.T) {
	out, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	defer out.Close()

	seq, _ := out.Append([]byte("event-1"))
	require.NoError(t, out.MarkSent(seq))
	require.NoError(t, out.MarkAcked(seq))

	p := &fakeProducer{}
	b := newWith(out, p, "settlements", 0, zap.NewNop())
	b.drainOnce()
	assert.Empty(t, p.sent)
}
