package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// normalizeValue maps a driver value onto the record value set: nil,
// string, int64, float64, bool, time.Time and []byte.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case []byte:
		return append([]byte(nil), x...), nil
	case bool:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return strconv.FormatUint(x, 10), nil
		}
		return int64(x), nil
	case uint:
		return normalizeValue(uint64(x))
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case time.Time:
		return x, nil
	case [16]byte:
		return uuid.UUID(x).String(), nil
	case pgtype.Numeric:
		return numericString(x)
	case *big.Int:
		return x.String(), nil
	case netip.Prefix:
		return x.String(), nil
	case netip.Addr:
		return x.String(), nil
	case time.Duration:
		return x.String(), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil, err
		}
		if _, same := dv.(driver.Valuer); same {
			return nil, fmt.Errorf("unsupported value type %T", v)
		}
		return normalizeValue(dv)
	case fmt.Stringer:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// numericString renders a NUMERIC exactly rather than rounding through float64.
func numericString(n pgtype.Numeric) (any, error) {
	if !n.Valid {
		return nil, nil
	}
	if n.NaN {
		return math.NaN(), nil
	}
	switch n.InfinityModifier {
	case pgtype.Infinity:
		return math.Inf(1), nil
	case pgtype.NegativeInfinity:
		return math.Inf(-1), nil
	}
	dv, err := n.Value()
	if err != nil {
		return nil, err
	}
	s, ok := dv.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected numeric encoding %T", dv)
	}
	return s, nil
}

// normalizeSQLValue handles database/sql scan results. Text-protocol
// drivers hand back []byte for most columns, so the declared column type
// decides how to read them.
func normalizeSQLValue(typeName string, v any) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		if s, isStr := v.(string); isStr && isBinaryType(typeName) {
			return []byte(s), nil
		}
		return normalizeValue(v)
	}
	s := string(b)
	switch {
	case isBinaryType(typeName):
		return append([]byte(nil), b...), nil
	case isIntegerType(typeName):
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return s, nil
	case isFloatType(typeName):
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
		return s, nil
	case typeName == "BOOL" || typeName == "BOOLEAN":
		if bv, err := strconv.ParseBool(s); err == nil {
			return bv, nil
		}
		return s, nil
	default:
		return s, nil
	}
}

func isBinaryType(t string) bool {
	return strings.Contains(t, "BLOB") || strings.Contains(t, "BINARY") || t == "BYTEA" || t == "BIT"
}

func isIntegerType(t string) bool {
	t = strings.TrimPrefix(t, "UNSIGNED ")
	switch t {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		return true
	}
	return false
}

func isFloatType(t string) bool {
	switch t {
	case "FLOAT", "DOUBLE", "REAL", "DOUBLE PRECISION":
		return true
	}
	return false
}
