package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"storyhouse/pkg/chain"
	"storyhouse/pkg/queue"
)

// StartReconciler consumes reconciliation jobs until ctx is canceled. Each
// paid unlock enqueues one job; the handler re-verifies its payment proof so
// records written against transactions that later disappear in a reorg are
// surfaced instead of silently trusted.
func (a *App) StartReconciler(ctx context.Context, concurrency int) {
	if a.queue == nil {
		return
	}
	a.queue.Start(ctx, concurrency, a.reconcileJob)
}

func (a *App) reconcileJob(ctx context.Context, job queue.Job) error {
	record, ok, err := a.store.GetUnlockRecord(job.UserAddress, job.BookID, job.ChapterNumber)
	if err != nil {
		return fmt.Errorf("read unlock record: %w", err)
	}
	if !ok {
		return fmt.Errorf("unlock record %s/%s/ch%d missing", job.UserAddress, job.BookID, job.ChapterNumber)
	}
	if record.IsFree {
		return nil
	}
	if record.TransactionHash != job.TransactionHash {
		return fmt.Errorf("record tx %s does not match job tx %s", record.TransactionHash, job.TransactionHash)
	}
	if err := a.verifyRecordedPayment(ctx, record.UserAddress, record.BookID, record.ChapterNumber, record.TransactionHash); err != nil {
		return err
	}
	slog.Debug("unlock record reconciled", "user", job.UserAddress, "book", job.BookID, "chapter", job.ChapterNumber)
	return nil
}

// ReconcileReport summarizes a full sweep over paid unlock records.
type ReconcileReport struct {
	Checked    int              `json:"checked"`
	Verified   int              `json:"verified"`
	Mismatched []RecordMismatch `json:"mismatched,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
}

// RecordMismatch identifies one unlock record whose payment proof no longer
// verifies on-chain.
type RecordMismatch struct {
	UserAddress     string `json:"userAddress"`
	BookID          string `json:"bookId"`
	ChapterNumber   int    `json:"chapterNumber"`
	TransactionHash string `json:"transactionHash"`
	Reason          string `json:"reason"`
}

// ReconcileAll re-verifies every paid unlock record against the chain and
// reports mismatches. Verification failures are findings; transport errors
// abort nothing but are reported separately so a flaky RPC endpoint does not
// read as fraud.
func (a *App) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	records, err := a.store.ListPaidUnlocks()
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list paid unlocks: %w", err)
	}

	var mu sync.Mutex
	report := ReconcileReport{Checked: len(records)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, record := range records {
		record := record
		g.Go(func() error {
			err := a.verifyRecordedPayment(gctx, record.UserAddress, record.BookID, record.ChapterNumber, record.TransactionHash)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Verified++
			case chain.IsVerificationFailure(err):
				report.Mismatched = append(report.Mismatched, RecordMismatch{
					UserAddress:     record.UserAddress,
					BookID:          record.BookID,
					ChapterNumber:   record.ChapterNumber,
					TransactionHash: record.TransactionHash,
					Reason:          err.Error(),
				})
			default:
				report.Errors = append(report.Errors, fmt.Sprintf("%s/%s/ch%d: %v", record.UserAddress, record.BookID, record.ChapterNumber, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if len(report.Mismatched) > 0 {
		slog.Warn("reconciliation found mismatched unlock records", "count", len(report.Mismatched))
	}
	return report, nil
}

func (a *App) verifyRecordedPayment(ctx context.Context, user, bookID string, chapterNumber int, txHash string) error {
	price := a.pricing.UnlockPrice()
	// The contract price, when set, is what the user actually paid.
	if attribution, err := a.chain.Attribution(ctx, bookID, chapterNumber); err == nil && attribution.IsSet &&
		attribution.UnlockPrice != nil && attribution.UnlockPrice.Sign() > 0 {
		price = attribution.UnlockPrice
	}
	return a.chain.VerifyUnlockPayment(ctx, txHash, user, price)
}
