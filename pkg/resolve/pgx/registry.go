package pgx

import (
	"context"
	"fmt"

	"github.com/graphloom/loom/backend/pkg/resolve"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Registry implements resolve.Registry on Postgres. Canonical entities,
// their blocking tokens and optional embedding vectors live in the
// canonical_entities and canonical_blocking_tokens tables (see
// migrations/).
type Registry struct {
	conn *pgxpool.Pool
}

func NewRegistry(conn *pgxpool.Pool) *Registry {
	return &Registry{conn: conn}
}

const findCandidatesSQL = `
SELECT DISTINCT e.public_id, e.mention, e.types, e.attributes, e.embedding
FROM canonical_entities e
JOIN canonical_blocking_tokens t ON t.entity_id = e.id
WHERE t.token = ANY($1)
LIMIT $2;
`

func (r *Registry) FindCandidates(ctx context.Context, tokens []string, limit int) ([]resolve.CanonicalEntity, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.conn.Query(ctx, findCandidatesSQL, tokens, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []resolve.CanonicalEntity
	for rows.Next() {
		var entity resolve.CanonicalEntity
		var embedding *pgvector.Vector
		if err := rows.Scan(&entity.ID, &entity.Mention, &entity.Types, &entity.Attributes, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		if embedding != nil {
			entity.Embedding = embedding.Slice()
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

const upsertEntitySQL = `
INSERT INTO canonical_entities (public_id, ontology_id, mention, types, attributes, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (public_id) DO UPDATE
SET mention    = EXCLUDED.mention,
    types      = EXCLUDED.types,
    attributes = EXCLUDED.attributes,
    embedding  = COALESCE(EXCLUDED.embedding, canonical_entities.embedding),
    updated_at = now()
RETURNING id;
`

const deleteTokensSQL = `
DELETE FROM canonical_blocking_tokens WHERE entity_id = $1;
`

const insertTokenSQL = `
INSERT INTO canonical_blocking_tokens (entity_id, token)
VALUES ($1, $2)
ON CONFLICT DO NOTHING;
`

func (r *Registry) SaveEntities(
	ctx context.Context,
	ontologyID string,
	entities []resolve.CanonicalEntity,
	tokens map[string][]string,
) error {
	if len(entities) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, r.conn, func(tx pgx.Tx) error {
		for _, entity := range entities {
			var embedding *pgvector.Vector
			if len(entity.Embedding) > 0 {
				vec := pgvector.NewVector(entity.Embedding)
				embedding = &vec
			}

			var rowID int64
			err := tx.QueryRow(ctx, upsertEntitySQL,
				entity.ID,
				ontologyID,
				entity.Mention,
				entity.Types,
				entity.Attributes,
				embedding,
			).Scan(&rowID)
			if err != nil {
				return fmt.Errorf("failed to upsert canonical entity %s: %w", entity.ID, err)
			}

			if _, err := tx.Exec(ctx, deleteTokensSQL, rowID); err != nil {
				return fmt.Errorf("failed to clear blocking tokens for %s: %w", entity.ID, err)
			}
			for _, token := range tokens[entity.ID] {
				if _, err := tx.Exec(ctx, insertTokenSQL, rowID, token); err != nil {
					return fmt.Errorf("failed to insert blocking token for %s: %w", entity.ID, err)
				}
			}
		}
		return nil
	})
}
