package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// maxCommitAttempts bounds the re-drive of a step delta when the storage
// transaction aborts. Position guards make the retry safe: a delta that
// already landed cannot land twice.
const maxCommitAttempts = 3

// commitDelta applies a step delta, re-driving bounded times on
// TRANSACTION_ABORT. Guard misses (STALE_POSITION) and missing runs are
// returned as-is; they are decisions, not transient faults.
func (e *Engine) commitDelta(ctx context.Context, delta *store.StepDelta) error {
	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err := e.store.CommitStepDelta(ctx, delta)
		if err == nil {
			return nil
		}
		if schema.CodeOf(err) != schema.ErrCodeTransactionAbort {
			return err
		}
		lastErr = err
		e.logger.WarnContext(ctx, "step delta aborted, re-driving",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	return schema.NewErrorf(schema.ErrCodeTransactionAbort,
		"step delta for run %q did not commit after %d attempts", delta.RunID, maxCommitAttempts).
		WithCause(lastErr)
}

// inputHash computes the canonical SHA-256 fingerprint of start inputs.
// encoding/json sorts map keys, which is all the canonicalization the
// idempotency comparison needs.
func inputHash(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// isNotFound reports whether err is a structured NOT_FOUND.
func isNotFound(err error) bool {
	var sErr *schema.Error
	return errors.As(err, &sErr) && sErr.Code == schema.ErrCodeNotFound
}
