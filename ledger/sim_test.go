package ledger

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLock(t *testing.T, s *Sim, clk *clock.Mock, secret [32]byte, ttl time.Duration) LockRef {
	t.Helper()
	ref, err := s.Lock(context.Background(), LockParams{
		SecretHash: sha256.Sum256(secret[:]),
		Sender:     "node-a",
		Recipient:  "node-b",
		Asset:      "BTC",
		Amount:     5,
		Deadline:   clk.Now().Add(ttl),
	})
	require.NoError(t, err)
	return ref
}

func TestClaimWithPreimage(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)
	secret := [32]byte{1, 2, 3}
	ref := testLock(t, s, clk, secret, time.Hour)

	require.NoError(t, s.Claim(context.Background(), ref, secret))
	// Re-observing the same claim is a no-op.
	require.NoError(t, s.Claim(context.Background(), ref, secret))
}

func TestClaimRejectsWrongSecret(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)
	ref := testLock(t, s, clk, [32]byte{1}, time.Hour)

	err := s.Claim(context.Background(), ref, [32]byte{9})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClaimRejectedAfterDeadline(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)
	secret := [32]byte{1}
	ref := testLock(t, s, clk, secret, time.Hour)

	clk.Add(2 * time.Hour)
	assert.ErrorIs(t, s.Claim(context.Background(), ref, secret), ErrRejected)
	assert.NoError(t, s.Refund(context.Background(), ref))
}

func TestRefundOnlyAfterDeadline(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)
	ref := testLock(t, s, clk, [32]byte{1}, time.Hour)

	assert.ErrorIs(t, s.Refund(context.Background(), ref), ErrRejected)
	clk.Add(time.Hour)
	assert.NoError(t, s.Refund(context.Background(), ref))
	// A claimed-or-refunded lock cannot be claimed anymore.
	assert.ErrorIs(t, s.Claim(context.Background(), ref, [32]byte{1}), ErrRejected)
}

func TestWatchReplaysAndStreams(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)
	secret := [32]byte{7}
	ref := testLock(t, s, clk, secret, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, EventLocked, (<-ch).Kind)

	require.NoError(t, s.Claim(context.Background(), ref, secret))
	ev := <-ch
	assert.Equal(t, EventClaimed, ev.Kind)
	assert.Equal(t, secret, ev.Secret)

	// A late subscriber sees the terminal state replayed.
	late, err := s.Watch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, EventLocked, (<-late).Kind)
	assert.Equal(t, EventClaimed, (<-late).Kind)
}

func TestWatchEmitsTimeout(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)
	ref := testLock(t, s, clk, [32]byte{1}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, EventLocked, (<-ch).Kind)

	clk.Add(2 * time.Hour)
	assert.Equal(t, EventTimedOut, (<-ch).Kind)
}

func TestLockValidation(t *testing.T) {
	clk := clock.NewMock()
	s := NewSim("BTC", clk)

	_, err := s.Lock(context.Background(), LockParams{Amount: 0, Deadline: clk.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = s.Lock(context.Background(), LockParams{Amount: 1, Deadline: clk.Now()})
	assert.ErrorIs(t, err, ErrRejected)
}
