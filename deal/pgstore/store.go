// Package pgstore keeps deals as JSONB documents in PostgreSQL, with the
// queryable fields projected into columns and a version column for
// compare-and-swap updates.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dealflow/deal"
)

// Querier abstracts pgxpool.Pool for testability.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db    Querier
	newID func() string
}

var _ deal.Store = (*Store)(nil)

func New(db Querier) *Store {
	return &Store{db: db, newID: uuid.NewString}
}

func (s *Store) Get(ctx context.Context, id string) (deal.Deal, error) {
	var doc []byte
	var version int64
	err := s.db.QueryRow(ctx, `SELECT doc, version FROM deals WHERE id = $1`, id).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deal.Deal{}, deal.ErrNotFound
		}
		return deal.Deal{}, fmt.Errorf("pgstore: get deal: %w", err)
	}
	return decode(doc, version)
}

func (s *Store) Create(ctx context.Context, d deal.Deal) (string, error) {
	if d.ID == "" {
		d.ID = s.newID()
	}
	d.Version = 1
	row, err := project(d)
	if err != nil {
		return "", err
	}

	const insertSQL = `
INSERT INTO deals (id, doc, version, status, deal_type, frozen, created_by, participants,
                   counterpart_email, invite_token_hash, settlement_status, amount_cents,
                   deal_date, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	if _, err := s.db.Exec(ctx, insertSQL, row.args()...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", deal.ErrVersionConflict
		}
		return "", fmt.Errorf("pgstore: insert deal: %w", err)
	}
	return d.ID, nil
}

func (s *Store) Update(ctx context.Context, d deal.Deal, expectedVersion int64) error {
	row, err := project(d)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE deals
SET doc = $2, version = $3, status = $4, deal_type = $5, frozen = $6, created_by = $7,
    participants = $8, counterpart_email = $9, invite_token_hash = $10,
    settlement_status = $11, amount_cents = $12, deal_date = $13, created_at = $14,
    updated_at = $15
WHERE id = $1 AND version = $16;
`
	tag, err := s.db.Exec(ctx, updateSQL, append(row.args(), expectedVersion)...)
	if err != nil {
		return fmt.Errorf("pgstore: update deal: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
		return fmt.Errorf("pgstore: check deal: %w", err)
	}
	if !exists {
		return deal.ErrNotFound
	}
	return deal.ErrVersionConflict
}

func (s *Store) Query(ctx context.Context, q deal.Query) ([]deal.Deal, error) {
	sql, args, err := translate(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query deals: %w", err)
	}
	defer rows.Close()

	var out []deal.Deal
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("pgstore: scan deal: %w", err)
		}
		d, err := decode(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate deals: %w", err)
	}
	return out, nil
}

func decode(doc []byte, version int64) (deal.Deal, error) {
	var d deal.Deal
	if err := json.Unmarshal(doc, &d); err != nil {
		return deal.Deal{}, fmt.Errorf("pgstore: decode deal: %w", err)
	}
	d.Version = version
	return d, nil
}

// projection is the column image of a deal document.
type projection struct {
	id               string
	doc              []byte
	version          int64
	status           string
	dealType         string
	frozen           bool
	createdBy        string
	participants     []string
	counterpartEmail string
	inviteTokenHash  string
	settlementStatus string
	amountCents      int64
	dealDate         time.Time
	createdAt        time.Time
	updatedAt        time.Time
}

func project(d deal.Deal) (projection, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return projection{}, fmt.Errorf("pgstore: encode deal: %w", err)
	}
	return projection{
		id:               d.ID,
		doc:              doc,
		version:          d.Version,
		status:           string(d.Status),
		dealType:         string(d.Type),
		frozen:           d.Frozen,
		createdBy:        d.CreatedBy,
		participants:     d.Participants(),
		counterpartEmail: d.PartyB.Email,
		inviteTokenHash:  d.InviteTokenHash,
		settlementStatus: deal.FieldValue(d, deal.FieldSettlementStatus).(string),
		amountCents:      d.AmountCents,
		dealDate:         d.DealDate.UTC(),
		createdAt:        d.CreatedAt.UTC(),
		updatedAt:        d.UpdatedAt.UTC(),
	}, nil
}

func (p projection) args() []any {
	return []any{
		p.id, p.doc, p.version, p.status, p.dealType, p.frozen, p.createdBy, p.participants,
		p.counterpartEmail, p.inviteTokenHash, p.settlementStatus, p.amountCents,
		p.dealDate, p.createdAt, p.updatedAt,
	}
}

var columns = map[deal.Field]string{
	deal.FieldStatus:           "status",
	deal.FieldType:             "deal_type",
	deal.FieldFrozen:           "frozen",
	deal.FieldCreatedBy:        "created_by",
	deal.FieldParticipants:     "participants",
	deal.FieldCounterpartEmail: "counterpart_email",
	deal.FieldInviteTokenHash:  "invite_token_hash",
	deal.FieldSettlementStatus: "settlement_status",
	deal.FieldAmountCents:      "amount_cents",
	deal.FieldDealDate:         "deal_date",
	deal.FieldCreatedAt:        "created_at",
	deal.FieldUpdatedAt:        "updated_at",
}

var timeColumns = map[deal.Field]bool{
	deal.FieldDealDate:  true,
	deal.FieldCreatedAt: true,
	deal.FieldUpdatedAt: true,
}

var comparators = map[deal.Op]string{
	deal.OpEq:  "=",
	deal.OpNe:  "<>",
	deal.OpLt:  "<",
	deal.OpLte: "<=",
	deal.OpGt:  ">",
	deal.OpGte: ">=",
}

// translate renders q as a parameterized SELECT over the projected columns.
func translate(q deal.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var (
		b     strings.Builder
		args  []any
		where []string
	)
	placeholder := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, f := range q.Filters {
		col := columns[f.Field]
		switch f.Op {
		case deal.OpContains:
			where = append(where, fmt.Sprintf("%s = ANY(%s)", placeholder(scalar(f.Field, f.Value)), col))
		case deal.OpIn:
			list, err := listArg(f.Field, f.Value)
			if err != nil {
				return "", nil, err
			}
			where = append(where, fmt.Sprintf("%s = ANY(%s)", col, placeholder(list)))
		default:
			where = append(where, fmt.Sprintf("%s %s %s", col, comparators[f.Op], placeholder(scalar(f.Field, f.Value))))
		}
	}

	b.WriteString("SELECT doc, version FROM deals")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if q.OrderBy != nil {
		dir := "ASC"
		if q.OrderBy.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s, id ASC", columns[q.OrderBy.Field], dir)
	} else {
		b.WriteString(" ORDER BY id ASC")
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

// scalar converts a filter operand to the Go type pgx encodes for the column.
func scalar(field deal.Field, v any) any {
	switch x := v.(type) {
	case deal.Status:
		return string(x)
	case deal.Type:
		return string(x)
	case deal.SettlementStatus:
		return string(x)
	case int:
		if timeColumns[field] {
			return time.UnixMilli(int64(x)).UTC()
		}
		return int64(x)
	case int64:
		if timeColumns[field] {
			return time.UnixMilli(x).UTC()
		}
		return x
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	}
	return v
}

func listArg(field deal.Field, v any) (any, error) {
	switch x := v.(type) {
	case []string:
		return x, nil
	case []any:
		strs := make([]string, 0, len(x))
		ints := make([]int64, 0, len(x))
		for _, item := range x {
			switch s := scalar(field, item).(type) {
			case string:
				strs = append(strs, s)
			case int64:
				ints = append(ints, s)
			default:
				return nil, fmt.Errorf("pgstore: unsupported %s operand %T on %q", deal.OpIn, item, field)
			}
		}
		if len(ints) > 0 && len(strs) > 0 {
			return nil, fmt.Errorf("pgstore: mixed %s operands on %q", deal.OpIn, field)
		}
		if len(ints) > 0 {
			return ints, nil
		}
		return strs, nil
	}
	return nil, fmt.Errorf("pgstore: %s on %q needs a slice value", deal.OpIn, field)
}
