// Package query implements the order listing surface: a small filter
// language over top-level order fields and dotted meta paths, plus sorting
// and bounded pagination.
//
// Filters arrive as JSON trees of and/or groups over (field, op, value)
// leaves. Parsing validates eagerly and fails fast with the path of the
// offending node; evaluation happens in Go over rows pre-filtered by the
// cheap indexed conjuncts.
package query

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

// Op is a filter comparison operator.
type Op string

// All filter operators.
const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpIn          Op = "in"
	OpNin         Op = "nin"
	OpContains    Op = "contains"
	OpContainsAll Op = "contains_all"
	OpExists      Op = "exists"
	OpLengthEq    Op = "length_eq"
	OpIsNull      Op = "is_null"
	OpNotNull     Op = "not_null"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpNin: true, OpContains: true, OpContainsAll: true,
	OpExists: true, OpLengthEq: true, OpIsNull: true, OpNotNull: true,
}

// valuelessOps take no value operand.
var valuelessOps = map[Op]bool{
	OpExists: true, OpIsNull: true, OpNotNull: true,
}

// listOps require an array value operand.
var listOps = map[Op]bool{
	OpIn: true, OpNin: true, OpContainsAll: true,
}

// topLevelFields are the filterable order columns.
var topLevelFields = map[string]bool{
	"id":                true,
	"type":              true,
	"state":             true,
	"priority":          true,
	"requested_by_kind": true,
	"requested_by_id":   true,
	"created_at":        true,
	"updated_at":        true,
}

var metaPathPattern = regexp.MustCompile(`^meta(\.[A-Za-z0-9_]+)+$`)

// Node is one parsed filter node: either a group (And/Or populated) or a
// leaf comparison.
type Node struct {
	And []Node
	Or  []Node

	Field string
	Op    Op
	Value interface{}
}

func (n *Node) isGroup() bool {
	return len(n.And) > 0 || len(n.Or) > 0
}

func invalidf(path, format string, args ...interface{}) error {
	return apperrors.BadRequest(apperrors.CodeFilterInvalid, "filter is malformed").
		WithFieldErrors([]apperrors.FieldError{{
			Path:    path,
			Code:    apperrors.CodeFilterInvalid,
			Message: fmt.Sprintf(format, args...),
		}})
}

// ParseFilter builds a filter tree from decoded JSON. A nil input means no
// filtering. maxMetaDepth bounds the number of segments after "meta".
func ParseFilter(raw interface{}, maxMetaDepth int) (*Node, error) {
	if raw == nil {
		return nil, nil
	}
	node, err := parseNode(raw, "filter", maxMetaDepth)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func parseNode(raw interface{}, path string, maxMetaDepth int) (*Node, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, invalidf(path, "filter node must be an object")
	}

	andRaw, hasAnd := obj["and"]
	orRaw, hasOr := obj["or"]
	if hasAnd || hasOr {
		if hasAnd && hasOr {
			return nil, invalidf(path, "a group combines with either and or or, not both")
		}
		key, groupRaw := "and", andRaw
		if hasOr {
			key, groupRaw = "or", orRaw
		}
		children, ok := groupRaw.([]interface{})
		if !ok || len(children) == 0 {
			return nil, invalidf(fmt.Sprintf("%s.%s", path, key), "group must be a non-empty array")
		}
		node := &Node{}
		for i, childRaw := range children {
			child, err := parseNode(childRaw, fmt.Sprintf("%s.%s[%d]", path, key, i), maxMetaDepth)
			if err != nil {
				return nil, err
			}
			if hasAnd {
				node.And = append(node.And, *child)
			} else {
				node.Or = append(node.Or, *child)
			}
		}
		return node, nil
	}

	return parseLeaf(obj, path, maxMetaDepth)
}

func parseLeaf(obj map[string]interface{}, path string, maxMetaDepth int) (*Node, error) {
	field, _ := obj["field"].(string)
	if field == "" {
		return nil, invalidf(path+".field", "leaf requires a field name")
	}
	if err := validateField(field, path+".field", maxMetaDepth); err != nil {
		return nil, err
	}

	opStr, _ := obj["op"].(string)
	op := Op(opStr)
	if !knownOps[op] {
		return nil, invalidf(path+".op", "unknown operator %q", opStr)
	}

	value, hasValue := obj["value"]
	if valuelessOps[op] {
		if hasValue {
			return nil, invalidf(path+".value", "operator %s takes no value", op)
		}
		return &Node{Field: field, Op: op}, nil
	}
	if !hasValue {
		return nil, invalidf(path+".value", "operator %s requires a value", op)
	}
	if listOps[op] {
		if _, ok := value.([]interface{}); !ok {
			return nil, invalidf(path+".value", "operator %s requires an array value", op)
		}
	}
	if op == OpLengthEq {
		if _, ok := value.(float64); !ok {
			return nil, invalidf(path+".value", "operator %s requires a numeric value", op)
		}
	}

	return &Node{Field: field, Op: op, Value: value}, nil
}

func validateField(field, path string, maxMetaDepth int) error {
	if topLevelFields[field] {
		return nil
	}
	if !strings.HasPrefix(field, "meta.") {
		return invalidf(path, "unknown field %q", field)
	}
	if !metaPathPattern.MatchString(field) {
		return invalidf(path, "malformed meta path %q", field)
	}
	depth := strings.Count(field, ".")
	if maxMetaDepth > 0 && depth > maxMetaDepth {
		return invalidf(path, "meta path %q exceeds maximum depth %d", field, maxMetaDepth)
	}
	return nil
}

// SortKey orders the listing by one field.
type SortKey struct {
	Field string
	Desc  bool
}

var sortableFields = map[string]bool{
	"priority":   true,
	"created_at": true,
	"updated_at": true,
	"state":      true,
	"type":       true,
}

// ParseSort validates sort specifications of the form "field" or "-field"
// (descending).
func ParseSort(specs []string) ([]SortKey, error) {
	keys := make([]SortKey, 0, len(specs))
	for i, spec := range specs {
		desc := strings.HasPrefix(spec, "-")
		field := strings.TrimPrefix(spec, "-")
		if !sortableFields[field] {
			return nil, invalidf(fmt.Sprintf("sort[%d]", i), "field %q is not sortable", field)
		}
		keys = append(keys, SortKey{Field: field, Desc: desc})
	}
	return keys, nil
}
