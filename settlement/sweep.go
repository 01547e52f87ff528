package settlement

import (
	"context"
	"fmt"
)

// SweepReport summarizes one pass over abandoned intents.
type SweepReport struct {
	Scanned   int
	Completed int // the provider had succeeded after all
	Failed    int
	Expired   int
	Skipped   int // provider unavailable, retried next pass
	Errors    int
}

// Sweep reconciles every CREATED/PENDING intent idle for longer than the pending
// window. Intents the provider still reports as pending are expired. Expiry never
// has a side effect, and a provider outage never expires anything.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	intents, err := e.store.ListIntents(ctx, IntentFilter{
		Statuses:      []Status{StatusCreated, StatusPending},
		UpdatedBefore: e.now().Add(-e.pendingWindow),
		Limit:         e.sweepBatch,
	})
	if err != nil {
		return report, fmt.Errorf("list stale intents: %w", err)
	}

	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		res, err := e.reconcile(ctx, intent)
		if err != nil {
			report.Errors++
			e.log.Error().Err(err).Str("merchant_payment_id", string(intent.MerchantPaymentID)).Msg("sweep reconcile failed")
			continue
		}
		if res.ProviderUnavailable {
			report.Skipped++
			continue
		}
		if !res.Intent.Status.IsTerminal() {
			if res, err = e.finish(ctx, res.Intent, StatusExpired, ""); err != nil {
				report.Errors++
				e.log.Error().Err(err).Str("merchant_payment_id", string(intent.MerchantPaymentID)).Msg("sweep expire failed")
				continue
			}
		}

		switch res.Intent.Status {
		case StatusCompleted:
			report.Completed++
		case StatusFailed:
			report.Failed++
		case StatusExpired:
			report.Expired++
		}
	}

	if report.Scanned > 0 {
		e.log.Info().
			Int("scanned", report.Scanned).
			Int("completed", report.Completed).
			Int("expired", report.Expired).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("sweep finished")
	}
	return report, nil
}

// RepairReport summarizes one recovery pass.
type RepairReport struct {
	Scanned  int
	Repaired int
}

// Repair re-applies the side effect of every COMPLETED intent. Effects that are
// present are left alone (duplicate reference / existing grant), so the pass is
// idempotent. Repaired counts effects that were actually missing.
func (e *Engine) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	intents, err := e.store.ListIntents(ctx, IntentFilter{Statuses: []Status{StatusCompleted}})
	if err != nil {
		return report, fmt.Errorf("list completed intents: %w", err)
	}

	for _, intent := range intents {
		report.Scanned++

		var applied bool
		err := e.store.WithTx(ctx, func(tx Store) error {
			var err error
			applied, err = e.applyEffect(ctx, tx, intent)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("repair %s: %w", intent.MerchantPaymentID, err)
		}
		if applied {
			report.Repaired++
			e.log.Warn().
				Str("merchant_payment_id", string(intent.MerchantPaymentID)).
				Str("user_id", string(intent.UserID)).
				Msg("re-applied missing settlement effect")
		}
	}
	return report, nil
}
