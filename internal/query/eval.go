package query

import (
	"strings"
	"time"

	"wo-foreman.io/foreman/internal/model"
)

// Evaluate reports whether an order matches the filter tree. A nil node
// matches everything.
func Evaluate(node *Node, order *model.Order) bool {
	if node == nil {
		return true
	}
	if len(node.And) > 0 {
		for i := range node.And {
			if !Evaluate(&node.And[i], order) {
				return false
			}
		}
		return true
	}
	if len(node.Or) > 0 {
		for i := range node.Or {
			if Evaluate(&node.Or[i], order) {
				return true
			}
		}
		return false
	}
	return evaluateLeaf(node, order)
}

func evaluateLeaf(node *Node, order *model.Order) bool {
	value, exists := fieldValue(order, node.Field)

	switch node.Op {
	case OpExists:
		return exists
	case OpIsNull:
		return !exists || value == nil
	case OpNotNull:
		return exists && value != nil
	}
	if !exists {
		return false
	}

	operand := normalize(node.Value)
	value = normalize(value)

	switch node.Op {
	case OpEq:
		return equal(value, operand)
	case OpNe:
		return !equal(value, operand)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(value, operand)
		if !ok {
			return false
		}
		switch node.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		return member(value, operand)
	case OpNin:
		return !member(value, operand)
	case OpContains:
		return contains(value, operand)
	case OpContainsAll:
		list, ok := operand.([]interface{})
		if !ok {
			return false
		}
		for _, want := range list {
			if !contains(value, want) {
				return false
			}
		}
		return true
	case OpLengthEq:
		want, ok := operand.(float64)
		if !ok {
			return false
		}
		switch v := value.(type) {
		case string:
			return float64(len(v)) == want
		case []interface{}:
			return float64(len(v)) == want
		}
		return false
	}
	return false
}

// fieldValue resolves a filter field against the order row. The second
// return reports whether the field resolves at all; a resolvable field may
// still hold a JSON null.
func fieldValue(order *model.Order, field string) (interface{}, bool) {
	switch field {
	case "id":
		return order.ID, true
	case "type":
		return order.Type, true
	case "state":
		return string(order.State), true
	case "priority":
		return float64(order.Priority), true
	case "requested_by_kind":
		return string(order.RequestedByKind), true
	case "requested_by_id":
		return order.RequestedByID, true
	case "created_at":
		return order.CreatedAt, true
	case "updated_at":
		return order.UpdatedAt, true
	}

	// Dotted meta path.
	segments := strings.Split(field, ".")[1:]
	var cur interface{} = map[string]interface{}(order.Meta)
	for _, seg := range segments {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalize widens numeric types and renders times comparable to their
// RFC 3339 filter representation.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	}
	return v
}

func equal(a, b interface{}) bool {
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			// Timestamp strings compare by instant, not by rendering.
			if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
				if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
					return ta.Equal(tb)
				}
			}
			return sa == sb
		}
		return false
	}
	la, aIsList := a.([]interface{})
	lb, bIsList := b.([]interface{})
	if aIsList || bIsList {
		if !aIsList || !bIsList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

// compare orders two scalars. Returns false when the pair is not comparable.
func compare(a, b interface{}) (int, bool) {
	if fa, ok := a.(float64); ok {
		fb, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		if ta, err := time.Parse(time.RFC3339Nano, sa); err == nil {
			if tb, err := time.Parse(time.RFC3339Nano, sb); err == nil {
				switch {
				case ta.Before(tb):
					return -1, true
				case ta.After(tb):
					return 1, true
				}
				return 0, true
			}
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// member reports whether value appears in the operand list.
func member(value, operand interface{}) bool {
	list, ok := operand.([]interface{})
	if !ok {
		return false
	}
	for _, candidate := range list {
		if equal(value, candidate) {
			return true
		}
	}
	return false
}

// contains matches substrings of strings and elements of arrays.
func contains(value, operand interface{}) bool {
	switch v := value.(type) {
	case string:
		s, ok := operand.(string)
		return ok && strings.Contains(v, s)
	case []interface{}:
		for _, elem := range v {
			if equal(normalize(elem), operand) {
				return true
			}
		}
	}
	return false
}
