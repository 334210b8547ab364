package deal

import (
	"fmt"
	"time"
)

// Field names a queryable deal attribute.
type Field string

const (
	FieldStatus           Field = "status"
	FieldType             Field = "dealType"
	FieldFrozen           Field = "frozen"
	FieldCreatedBy        Field = "createdBy"
	FieldParticipants     Field = "participants"
	FieldCounterpartEmail Field = "partyB.email"
	FieldInviteTokenHash  Field = "inviteTokenHash"
	FieldSettlementStatus Field = "settlement.status"
	FieldAmountCents      Field = "dealAmountCents"
	FieldDealDate         Field = "dealDate"
	FieldCreatedAt        Field = "createdAt"
	FieldUpdatedAt        Field = "updatedAt"
)

// Op is a comparison applied by a Filter.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	// OpIn matches when the field equals one of the values in a slice.
	OpIn Op = "in"
	// OpContains matches when an array field holds the value.
	OpContains Op = "array-contains"
)

// Filter is one typed predicate.
type Filter struct {
	Field Field
	Op    Op
	Value any
}

// Order sorts on a single field.
type Order struct {
	Field Field
	Desc  bool
}

// Query is an ordered list of predicates, all of which must hold, plus an
// optional ordering and limit.
type Query struct {
	Filters []Filter
	OrderBy *Order
	Limit   int
}

// Where starts a query with one predicate.
func Where(field Field, op Op, value any) Query {
	return Query{}.Where(field, op, value)
}

// Where appends a predicate.
func (q Query) Where(field Field, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Ascending orders results by field, smallest first.
func (q Query) Ascending(field Field) Query {
	q.OrderBy = &Order{Field: field}
	return q
}

// Descending orders results by field, largest first.
func (q Query) Descending(field Field) Query {
	q.OrderBy = &Order{Field: field, Desc: true}
	return q
}

// WithLimit caps the number of results; zero means unlimited.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Validate rejects fields and operators the adapters cannot interpret.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		kind, ok := fieldKinds[f.Field]
		if !ok {
			return fmt.Errorf("deal: unknown query field %q", f.Field)
		}
		switch f.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			if kind == kindList {
				return fmt.Errorf("deal: field %q only supports %s", f.Field, OpContains)
			}
		case OpIn:
			if _, ok := f.Value.([]any); !ok {
				if _, ok := f.Value.([]string); !ok {
					return fmt.Errorf("deal: %s on %q needs a slice value", OpIn, f.Field)
				}
			}
		case OpContains:
			if kind != kindList {
				return fmt.Errorf("deal: %s needs an array field, got %q", OpContains, f.Field)
			}
		default:
			return fmt.Errorf("deal: unknown query operator %q", f.Op)
		}
	}
	if q.OrderBy != nil {
		kind, ok := fieldKinds[q.OrderBy.Field]
		if !ok || kind == kindList {
			return fmt.Errorf("deal: cannot order by %q", q.OrderBy.Field)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("deal: negative query limit")
	}
	return nil
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
	kindTime
	kindList
)

var fieldKinds = map[Field]fieldKind{
	FieldStatus:           kindString,
	FieldType:             kindString,
	FieldFrozen:           kindBool,
	FieldCreatedBy:        kindString,
	FieldParticipants:     kindList,
	FieldCounterpartEmail: kindString,
	FieldInviteTokenHash:  kindString,
	FieldSettlementStatus: kindString,
	FieldAmountCents:      kindInt,
	FieldDealDate:         kindTime,
	FieldCreatedAt:        kindTime,
	FieldUpdatedAt:        kindTime,
}

// FieldValue extracts the comparable value of field from d. Timestamps are
// returned as epoch milliseconds so every adapter compares them the same way.
func FieldValue(d Deal, field Field) any {
	switch field {
	case FieldStatus:
		return string(d.Status)
	case FieldType:
		return string(d.Type)
	case FieldFrozen:
		return d.Frozen
	case FieldCreatedBy:
		return d.CreatedBy
	case FieldParticipants:
		return d.Participants()
	case FieldCounterpartEmail:
		return d.PartyB.Email
	case FieldInviteTokenHash:
		return d.InviteTokenHash
	case FieldSettlementStatus:
		if d.Settlement == nil {
			return ""
		}
		return string(d.Settlement.Status)
	case FieldAmountCents:
		return d.AmountCents
	case FieldDealDate:
		return d.DealDate.UnixMilli()
	case FieldCreatedAt:
		return d.CreatedAt.UnixMilli()
	case FieldUpdatedAt:
		return d.UpdatedAt.UnixMilli()
	}
	return nil
}

// normalize coerces a filter operand onto the representation FieldValue uses.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UnixMilli()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UnixMilli()
	case Status:
		return string(x)
	case Type:
		return string(x)
	case SettlementStatus:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	}
	return v
}

// Matches reports whether d satisfies every filter of q.
func (q Query) Matches(d Deal) bool {
	for _, f := range q.Filters {
		if !f.matches(d) {
			return false
		}
	}
	return true
}

func (f Filter) matches(d Deal) bool {
	got := FieldValue(d, f.Field)
	switch f.Op {
	case OpContains:
		list, _ := got.([]string)
		want := normalize(f.Value)
		for _, item := range list {
			if item == want {
				return true
			}
		}
		return false
	case OpIn:
		for _, candidate := range inValues(f.Value) {
			if compare(got, normalize(candidate)) == 0 {
				return true
			}
		}
		return false
	}

	c := compare(got, normalize(f.Value))
	switch f.Op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func inValues(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}
	return nil
}

// compare orders two normalized values of the same kind. Mismatched kinds
// compare as unequal (non-zero).
func compare(a, b any) int {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 1
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case int64:
		y, ok := b.(int64)
		if !ok {
			return 1
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 1
		}
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	return 1
}
