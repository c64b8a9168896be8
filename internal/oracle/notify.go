package oracle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/devblac/order-oracle/internal/sink"
	"github.com/devblac/order-oracle/internal/source/evm"
	"github.com/devblac/order-oracle/internal/storage"
)

// at most alertBurst notifications per sink, refilled at one every six seconds
const (
	alertBurst = 10
	alertRate  = 1.0 / 6
)

// notifier pushes failed dispatches to the configured alert sinks.
type notifier struct {
	sinks  map[string]sink.Sender
	limits map[string]*sink.TokenBucket
	store  *storage.Store
	log    *slog.Logger
	now    func() time.Time
}

func newNotifier(sinks map[string]sink.Sender, store *storage.Store, log *slog.Logger) *notifier {
	limits := make(map[string]*sink.TokenBucket, len(sinks))
	for id := range sinks {
		limits[id] = sink.NewTokenBucket(alertBurst, alertRate)
	}
	return &notifier{sinks: sinks, limits: limits, store: store, log: log, now: time.Now}
}

func (n *notifier) send(ctx context.Context, rec storage.Dispatch, ev evm.Event) {
	if n == nil || len(n.sinks) == 0 {
		return
	}
	payload := sink.DispatchPayload{
		DispatchID:   rec.ID,
		Status:       rec.Status,
		Contract:     ev.Contract.Hex(),
		EventKey:     rec.EventKey,
		BlockNumber:  rec.BlockNumber,
		TxHash:       ev.TxHash.Hex(),
		OrderIndex:   rec.OrderIndex,
		OrderID:      rec.OrderID,
		ValueWei:     rec.ValueWei,
		SubmitTxHash: rec.SubmitTxHash,
		Error:        rec.Error,
		Args:         ev.Args,
	}

	ids := make([]string, 0, len(n.sinks))
	for id := range n.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !n.limits[id].Allow(n.now()) {
			n.log.Warn("alert rate limited", "sink", id, "event", rec.EventKey)
			continue
		}
		status, code := "sent", http.StatusOK
		if err := n.sinks[id].Send(ctx, payload); err != nil {
			status, code = "failed", 0
			var se *sink.StatusError
			if errors.As(err, &se) {
				code = se.Code
			}
			n.log.Error("alert delivery failed", "sink", id, "event", rec.EventKey, "error", err)
		}
		if rec.ID == "" {
			continue
		}
		if err := n.store.InsertNotification(ctx, storage.Notification{
			DispatchID:   rec.ID,
			SinkID:       id,
			Status:       status,
			ResponseCode: code,
		}); err != nil {
			n.log.Warn("record notification", "sink", id, "error", err)
		}
	}
}
