package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns rows only when an invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

const funded = `((doc->'partyA'->>'setupFeePaid')::boolean AND (doc->'partyA'->>'fairnessHoldPaid')::boolean
 AND (doc->'partyB'->>'setupFeePaid')::boolean AND (doc->'partyB'->>'fairnessHoldPaid')::boolean)`

func All() []Oracle {
	return []Oracle{
		{
			Name: "funded_deal_still_pending",
			SQL:  `SELECT id, version FROM deals WHERE status = 'pending_funding' AND ` + funded,
		},
		{
			Name: "unfunded_deal_past_funding",
			SQL:  `SELECT id, status, version FROM deals WHERE status IN ('active','past_due','completed') AND NOT ` + funded,
		},
		{
			Name: "projection_drift",
			SQL: `SELECT id, status, doc->>'status', version, doc->>'version' FROM deals
WHERE status <> doc->>'status'
   OR frozen <> (doc->>'frozen')::boolean
   OR version <> (doc->>'version')::bigint
   OR settlement_status <> coalesce(doc->'settlement'->>'status', '')`,
		},
		{
			Name: "lost_payment",
			SQL: `SELECT p.deal_id, p.user_id, p.purpose FROM stress_payments p
JOIN deals d ON d.id = p.deal_id
CROSS JOIN LATERAL (SELECT CASE
    WHEN d.doc->'partyA'->>'userId' = p.user_id THEN d.doc->'partyA'
    WHEN d.doc->'partyB'->>'userId' = p.user_id THEN d.doc->'partyB' END AS party) x
WHERE x.party IS NULL
   OR (p.purpose = 'setup_fee' AND NOT (x.party->>'setupFeePaid')::boolean)
   OR (p.purpose = 'fairness_hold' AND NOT (x.party->>'fairnessHoldPaid')::boolean)`,
		},
		{
			Name: "completed_without_settlement",
			SQL: `SELECT id FROM deals
WHERE status = 'completed'
  AND (settlement_status = '' OR coalesce(doc->>'outcome', '') = '' OR doc->>'completedAt' IS NULL)`,
		},
		{
			Name: "settlement_before_completion",
			SQL:  `SELECT id, status, settlement_status FROM deals WHERE settlement_status <> '' AND status <> 'completed'`,
		},
		{
			Name: "settled_without_movement",
			SQL: `SELECT d.id FROM deals d
LEFT JOIN stress_settlements s ON s.deal_id = d.id
WHERE d.settlement_status = 'settled' AND s.deal_id IS NULL`,
		},
		{
			Name: "movement_total_mismatch",
			SQL: `SELECT d.id, s.total_cents, legs.total FROM deals d
JOIN stress_settlements s ON s.deal_id = d.id
CROSS JOIN LATERAL (
    SELECT coalesce(sum((l->>'amountCents')::bigint), 0) AS total
    FROM jsonb_array_elements(coalesce(nullif(d.doc->'settlement'->'legs', 'null'::jsonb), '[]'::jsonb)) l) legs
WHERE s.total_cents <> legs.total`,
		},
		{
			Name: "frozen_without_actor",
			SQL:  `SELECT id FROM deals WHERE frozen AND coalesce(doc->>'frozenBy', '') = ''`,
		},
		{
			Name: "proposal_without_proposer",
			SQL: `SELECT id FROM deals
WHERE (coalesce(doc->>'outcome', '') = '') <> (coalesce(doc->>'proposedBy', '') = '')`,
		},
		{
			Name: "self_dealing",
			SQL:  `SELECT id FROM deals WHERE cardinality(participants) = 2 AND participants[1] = participants[2]`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
