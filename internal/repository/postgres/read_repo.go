package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/honeyshield/internal/domain"
)

// LoadProfile реализует profile.Backend. (nil, nil) — профиля нет.
func (r *Repo) LoadProfile(ctx context.Context, identity string) (*domain.AttackerProfile, error) {
	var snap []byte
	err := r.pool.QueryRow(ctx, `SELECT snapshot FROM attacker_profiles WHERE source_identity = $1`, identity).Scan(&snap)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load profile %s: %w", identity, err)
	}
	return decodeProfile(snap)
}

// ActiveTargets — члены множества контрмеры: ресурсы для карантина, иначе идентичности.
func (r *Repo) ActiveTargets(ctx context.Context, kind domain.ActionKind) ([]string, error) {
	column := "target_identity"
	if kind == domain.KindQuarantineResource {
		column = "target_resource"
	}
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM response_actions WHERE status = 'active' AND kind = $1 AND %s <> ''`, column, column)

	rows, err := r.pool.Query(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("postgres: active targets %s: %w", kind, err)
	}
	targets, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active targets: %w", err)
	}
	return targets, nil
}

// ActiveActions — действующие контрмеры для восстановления оркестратора.
func (r *Repo) ActiveActions(ctx context.Context) ([]*domain.ResponseAction, error) {
	rows, err := r.pool.Query(ctx, `SELECT snapshot FROM response_actions WHERE status = 'active' ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active actions: %w", err)
	}
	return collectSnapshots[domain.ResponseAction](rows)
}

// RecentAlerts — алерты, отправленные после since (для окна подавления).
func (r *Repo) RecentAlerts(ctx context.Context, since time.Time) ([]*domain.Alert, error) {
	rows, err := r.pool.Query(ctx, `SELECT snapshot FROM alerts WHERE dispatched_at >= $1 ORDER BY dispatched_at`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent alerts: %w", err)
	}
	return collectSnapshots[domain.Alert](rows)
}

// Honeypots — все ловушки, включая выведенные: их отпечатки не должны выдаваться повторно.
func (r *Repo) Honeypots(ctx context.Context) ([]*domain.HoneypotDescriptor, error) {
	rows, err := r.pool.Query(ctx, `SELECT snapshot FROM honeypots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: honeypots: %w", err)
	}
	return collectSnapshots[domain.HoneypotDescriptor](rows)
}

// PendingIntents — намерения, на которые исполнитель еще не ответил.
func (r *Repo) PendingIntents(ctx context.Context) ([]*domain.HoneypotIntent, error) {
	rows, err := r.pool.Query(ctx, `SELECT snapshot FROM honeypot_intents WHERE NOT resolved ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending intents: %w", err)
	}
	return collectSnapshots[domain.HoneypotIntent](rows)
}

func collectSnapshots[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var snap []byte
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		item := new(T)
		if err := json.Unmarshal(snap, item); err != nil {
			return nil, fmt.Errorf("postgres: decode snapshot: %w", err)
		}
		out = append(out, item)
	}
	// Проверка на ошибки итерации (стандарт качества pgx)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return out, nil
}
