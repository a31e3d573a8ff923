package pgstore

import (
	"fmt"
	"math/big"
	"net/netip"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/roach88/formsync/internal/record"
)

// rowToRecord converts a result row into a record with fields in column
// order.
func rowToRecord(row pgx.CollectableRow) (*record.Record, error) {
	values, err := row.Values()
	if err != nil {
		return nil, err
	}
	out := record.New()
	for i, fd := range row.FieldDescriptions() {
		v, err := fromPG(values[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", fd.Name, err)
		}
		out.Set(fd.Name, v)
	}
	return out, nil
}

// fromPG converts a value decoded by pgx into a record value. Types the
// record model has no variant for are rendered as text.
func fromPG(v any) (record.Value, error) {
	switch val := v.(type) {
	case [16]byte:
		return record.String(uuid.UUID(val).String()), nil
	case pgtype.Numeric:
		if !val.Valid {
			return record.Null{}, nil
		}
		if val.NaN || val.InfinityModifier != pgtype.Finite {
			return nil, fmt.Errorf("non-finite numeric")
		}
		if val.Exp >= 0 {
			n := new(big.Int).Mul(val.Int, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(val.Exp)), nil))
			if n.IsInt64() {
				return record.Int(n.Int64()), nil
			}
		}
		f, err := val.Float64Value()
		if err != nil {
			return nil, err
		}
		return record.Float(f.Float64), nil
	case netip.Prefix:
		return record.String(val.String()), nil
	case pgtype.Time:
		if !val.Valid {
			return record.Null{}, nil
		}
		return record.Int(val.Microseconds), nil
	case pgtype.Interval:
		if !val.Valid {
			return record.Null{}, nil
		}
		return record.String(fmt.Sprintf("%d months %d days %d us", val.Months, val.Days, val.Microseconds)), nil
	}
	return record.FromAny(v)
}
