package service

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"meshdex/domain/swap"
	"meshdex/infra/outbox"
)

// SettlementEvent is the outbox payload published for every terminal
// session. Consumers deduplicate on SessionID.
type SettlementEvent struct {
	V         int    `json:"v"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Pair      string `json:"pair"`
	Amount    int64  `json:"amount"`
	Price     int64  `json:"price"`
	Reason    string `json:"reason,omitempty"`
	ClosedAt  int64  `json:"closed_at"`
}

// ArchiveTap archives terminal sessions and stages a settlement event
// for the broadcaster in the same step.
type ArchiveTap struct {
	inner swap.Archiver
	out   *outbox.Outbox
	log   *zap.Logger
}

func NewArchiveTap(inner swap.Archiver, out *outbox.Outbox, log *zap.Logger) *ArchiveTap {
	return &ArchiveTap{inner: inner, out: out, log: log.Named("archive")}
}

func (a *ArchiveTap) Archive(sess swap.Session) error {
	if err := a.inner.Archive(sess); err != nil {
		return err
	}
	payload, err := json.Marshal(SettlementEvent{
		V:         1,
		SessionID: sess.ID,
		State:     sess.State.String(),
		Pair:      sess.Pair.Symbol(),
		Amount:    sess.Amount,
		Price:     sess.Price,
		Reason:    sess.Reason,
		ClosedAt:  sess.ClosedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("service: encode settlement event: %w", err)
	}
	if _, err := a.out.Append(payload); err != nil {
		// The archive already holds the truth; the event is best effort
		// and recoverable from it.
		a.log.Error("outbox append failed", zap.String("session", sess.ID), zap.Error(err))
	}
	return nil
}

var _ swap.Archiver = (*ArchiveTap)(nil)
