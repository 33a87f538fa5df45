package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/honeyshield/internal/audit"
)

const (
	upsertProfileSQL = `
		INSERT INTO attacker_profiles (source_identity, risk_level, archived, snapshot, last_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_identity) DO UPDATE SET
			risk_level = EXCLUDED.risk_level,
			archived   = EXCLUDED.archived,
			snapshot   = EXCLUDED.snapshot,
			last_seen  = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at
		WHERE attacker_profiles.updated_at <= EXCLUDED.updated_at`

	insertAssessmentSQL = `
		INSERT INTO threat_assessments (id, source_identity, score, category, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	upsertActionSQL = `
		INSERT INTO response_actions (id, target_identity, target_resource, kind, status, expires_at, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			snapshot   = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
		WHERE response_actions.updated_at <= EXCLUDED.updated_at`

	upsertAlertSQL = `
		INSERT INTO alerts (id, dedupe_key, source_identity, category, snapshot, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot`

	upsertHoneypotSQL = `
		INSERT INTO honeypots (id, type, state, fingerprint, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state       = EXCLUDED.state,
			fingerprint = EXCLUDED.fingerprint,
			snapshot    = EXCLUDED.snapshot,
			updated_at  = EXCLUDED.updated_at`

	// Разрешенное намерение не возвращается в ожидание повторной записью
	upsertIntentSQL = `
		INSERT INTO honeypot_intents (id, kind, honeypot_id, type, resolved, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			resolved   = EXCLUDED.resolved,
			snapshot   = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
		WHERE NOT honeypot_intents.resolved`

	insertTrailSQL = `
		INSERT INTO audit_trail (kind, entity_key, identity, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
)

// WriteBatch сохраняет пачку записей журнала одним батчем (неявная транзакция).
func (r *Repo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	b, err := buildBatch(records)
	if err != nil {
		return err
	}

	br := r.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: write batch (%d records): %w", len(records), err)
		}
	}
	return nil
}

// buildBatch: на каждую запись — upsert текущего состояния сущности плюс строка в audit_trail.
func buildBatch(records []audit.Record) (*pgx.Batch, error) {
	b := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload())
		if err != nil {
			return nil, fmt.Errorf("postgres: encode %s %s: %w", rec.Kind, rec.Key, err)
		}

		switch rec.Kind {
		case audit.KindProfile:
			p := rec.Profile
			snap, err := encodeProfile(p)
			if err != nil {
				return nil, err
			}
			payload = snap
			b.Queue(upsertProfileSQL, p.SourceIdentity, p.CurrentRiskLevel, p.Archived, snap, p.LastSeen, rec.Timestamp)
		case audit.KindAssessment:
			a := rec.Assessment
			b.Queue(insertAssessmentSQL, a.ID, a.SourceIdentity, a.Score, string(a.Category), payload, a.CreatedAt)
		case audit.KindAction:
			a := rec.Action
			b.Queue(upsertActionSQL, a.ID, a.TargetIdentity, a.TargetResource, string(a.Kind), string(a.Status), a.ExpiresAt, payload, rec.Timestamp)
		case audit.KindAlert:
			a := rec.Alert
			b.Queue(upsertAlertSQL, a.ID, a.DedupeKey, a.SourceIdentity, string(a.Category), payload, a.DispatchedAt)
		case audit.KindHoneypot:
			h := rec.Honeypot
			b.Queue(upsertHoneypotSQL, h.ID, string(h.Type), string(h.State), h.Fingerprint, payload, rec.Timestamp)
		case audit.KindIntent:
			in := rec.Intent
			b.Queue(upsertIntentSQL, in.ID, in.Kind, in.HoneypotID, string(in.Type), in.ResolvedAt != nil, payload, in.CreatedAt, rec.Timestamp)
		default:
			return nil, fmt.Errorf("postgres: unknown record kind %q", rec.Kind)
		}

		b.Queue(insertTrailSQL, string(rec.Kind), rec.Key, rec.Identity, payload, rec.Timestamp)
	}
	return b, nil
}
