package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quantumlayerhq/ql-cgov/pkg/canonical"
	"github.com/quantumlayerhq/ql-cgov/pkg/database"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
)

// chainLockKey serializes appends so previous_hash is never forked.
const chainLockKey int64 = 0x6367_6f76_6175_6474

// genesisHash is the previous hash of the first entry.
const genesisHash = ""

// PostgresSink appends events to the governance_events table, linking each
// row to its predecessor through a SHA-256 hash chain.
type PostgresSink struct {
	db  *database.DB
	log *logger.Logger
}

// NewPostgresSink creates a hash-chained postgres sink.
func NewPostgresSink(db *database.DB, log *logger.Logger) *PostgresSink {
	return &PostgresSink{
		db:  db,
		log: log.WithComponent("audit"),
	}
}

// Emit inserts event. The table has no UPDATE or DELETE grant for the
// service role; this method is the only write path.
func (s *PostgresSink) Emit(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := database.AdvisoryXactLock(ctx, tx, chainLockKey); err != nil {
			return err
		}

		prev := genesisHash
		err := tx.QueryRow(ctx,
			`SELECT integrity_hash FROM governance_events ORDER BY seq DESC LIMIT 1`,
		).Scan(&prev)
		if err != nil && !database.IsNoRows(err) {
			return fmt.Errorf("failed to read chain head: %w", err)
		}

		hash, err := ChainHash(prev, event)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO governance_events (
				id, event_type, correlation_id, actor_id, actor_type,
				resource_type, resource_id, status, payload, occurred_at,
				previous_hash, integrity_hash
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			event.ID, event.Type, event.CorrelationID, event.ActorID, event.ActorType,
			event.ResourceType, event.ResourceID, event.Status, payload, event.OccurredAt,
			prev, hash,
		)
		return err
	})
	if err != nil {
		s.log.ErrorContext(ctx, "failed to write audit event", "error", err, "event_type", event.Type)
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	return nil
}

// ChainHash links event to the entry before it.
func ChainHash(previousHash string, event Event) (string, error) {
	body, err := canonical.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit event: %w", err)
	}
	return canonical.HashBytes(append([]byte(previousHash+"\n"), body...)), nil
}

// ChainEntry is one stored link of the hash chain.
type ChainEntry struct {
	Event         Event
	PreviousHash  string
	IntegrityHash string
}

// IntegrityReport contains the result of an integrity verification.
type IntegrityReport struct {
	StartTime    time.Time            `json:"start_time"`
	EndTime      time.Time            `json:"end_time"`
	TotalEntries int                  `json:"total_entries"`
	Valid        bool                 `json:"valid"`
	Violations   []IntegrityViolation `json:"violations,omitempty"`
	VerifiedAt   time.Time            `json:"verified_at"`
}

// IntegrityViolation represents a broken link or a rewritten entry.
type IntegrityViolation struct {
	EntryID      uuid.UUID `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	ExpectedHash string    `json:"expected_hash"`
	ActualHash   string    `json:"actual_hash"`
	Reason       string    `json:"reason"`
}

// VerifyChain checks that every entry links to its predecessor and that its
// stored hash matches its content. Entries must be in append order.
func VerifyChain(entries []ChainEntry) IntegrityReport {
	report := IntegrityReport{Valid: true, TotalEntries: len(entries)}

	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].IntegrityHash {
			report.Valid = false
			report.Violations = append(report.Violations, IntegrityViolation{
				EntryID:      e.Event.ID,
				Timestamp:    e.Event.OccurredAt,
				ExpectedHash: entries[i-1].IntegrityHash,
				ActualHash:   e.PreviousHash,
				Reason:       "broken link",
			})
		}

		computed, err := ChainHash(e.PreviousHash, e.Event)
		if err != nil || computed != e.IntegrityHash {
			report.Valid = false
			report.Violations = append(report.Violations, IntegrityViolation{
				EntryID:      e.Event.ID,
				Timestamp:    e.Event.OccurredAt,
				ExpectedHash: computed,
				ActualHash:   e.IntegrityHash,
				Reason:       "content mismatch",
			})
		}
	}

	report.VerifiedAt = time.Now().UTC()
	return report
}

// VerifyIntegrity re-walks the chain for a time range.
func (s *PostgresSink) VerifyIntegrity(ctx context.Context, startTime, endTime time.Time) (*IntegrityReport, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT payload, previous_hash, integrity_hash
		FROM governance_events
		WHERE occurred_at BETWEEN $1 AND $2
		ORDER BY seq ASC`,
		startTime, endTime,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var entries []ChainEntry
	for rows.Next() {
		var payload []byte
		var entry ChainEntry
		if err := rows.Scan(&payload, &entry.PreviousHash, &entry.IntegrityHash); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	report := VerifyChain(entries)
	report.StartTime = startTime
	report.EndTime = endTime
	if !report.Valid {
		s.log.Warn("audit chain integrity violation", "violations", len(report.Violations))
	}
	return &report, nil
}
