// Package postgres — PostgreSQL-хранилище: холодная загрузка профилей, пакетная запись журнала
// и выборки для прогрева контрмер, алертов и ловушек при старте.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/honeyshield/internal/infra"
)

type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo открывает пул и проверяет соединение.
func NewRepo(ctx context.Context, cfg infra.DatabaseConfig) (*Repo, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() {
	r.pool.Close()
}

// Ping используется в readiness-проверке.
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Migrate создает таблицы, если их еще нет.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS attacker_profiles (
	source_identity TEXT PRIMARY KEY,
	risk_level      DOUBLE PRECISION NOT NULL DEFAULT 0,
	archived        BOOLEAN NOT NULL DEFAULT FALSE,
	snapshot        JSONB NOT NULL,
	last_seen       TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS threat_assessments (
	id              TEXT PRIMARY KEY,
	source_identity TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	category        TEXT NOT NULL,
	snapshot        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS threat_assessments_identity_idx ON threat_assessments (source_identity);

CREATE TABLE IF NOT EXISTS response_actions (
	id              TEXT PRIMARY KEY,
	target_identity TEXT NOT NULL,
	target_resource TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	expires_at      TIMESTAMPTZ,
	snapshot        JSONB NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS response_actions_identity_idx ON response_actions (target_identity);
CREATE INDEX IF NOT EXISTS response_actions_active_idx ON response_actions (kind) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS alerts (
	id              TEXT PRIMARY KEY,
	dedupe_key      TEXT NOT NULL,
	source_identity TEXT NOT NULL,
	category        TEXT NOT NULL,
	snapshot        JSONB NOT NULL,
	dispatched_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_dedupe_idx ON alerts (dedupe_key, dispatched_at DESC);

CREATE TABLE IF NOT EXISTS honeypots (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	state       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	snapshot    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS honeypot_intents (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	honeypot_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	snapshot    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS honeypot_intents_pending_idx ON honeypot_intents (created_at) WHERE NOT resolved;

CREATE TABLE IF NOT EXISTS audit_trail (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	entity_key  TEXT NOT NULL,
	identity    TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_trail_identity_idx ON audit_trail (identity, recorded_at);
`
