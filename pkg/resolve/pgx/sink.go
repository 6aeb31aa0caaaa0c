package pgx

import (
	"context"
	"fmt"

	"github.com/graphloom/loom/backend/pkg/common"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TripleSink persists the resolved graph of a batch into the
// resolved_triples table. Re-ingesting the same batch is idempotent;
// duplicate triples are skipped.
type TripleSink struct {
	conn *pgxpool.Pool
}

func NewTripleSink(conn *pgxpool.Pool) *TripleSink {
	return &TripleSink{conn: conn}
}

const insertTripleSQL = `
INSERT INTO resolved_triples (batch_id, subject_id, predicate, object_id, object_lit)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
ON CONFLICT DO NOTHING;
`

func (s *TripleSink) IngestTriples(
	ctx context.Context,
	batchID string,
	entities []common.Entity,
	relations []common.Relation,
) (int, error) {
	ingested := 0

	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		for _, relation := range relations {
			tag, err := tx.Exec(ctx, insertTripleSQL,
				batchID,
				relation.SubjectID,
				relation.Predicate,
				relation.ObjectID,
				relation.ObjectLiteral,
			)
			if err != nil {
				return fmt.Errorf("failed to insert triple %s -[%s]-> : %w", relation.SubjectID, relation.Predicate, err)
			}
			ingested += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return ingested, nil
}
