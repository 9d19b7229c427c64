// Package dataset implements the bundled "dataset" order type: a record that
// agents build up through partial submissions. Each item requires an
// "identity" part and a "contacts" part; finalisation assembles the latest
// validated payload per key into the published record.
package dataset

import (
	"context"
	"fmt"
	"strings"

	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
)

// Part keys an item accepts.
const (
	PartIdentity = "identity"
	PartContacts = "contacts"
)

// Handler is the dataset order type.
type Handler struct {
	ordertype.Base
}

// New creates the handler.
func New() *Handler {
	return &Handler{}
}

func (*Handler) Name() string {
	return "dataset"
}

func (*Handler) Schema() map[string]interface{} {
	return map[string]interface{}{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"required":             []string{"name"},
		"additionalProperties": true,
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
			"records": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
			},
		},
	}
}

// Plan produces one part-gated item per requested record; the default is a
// single record.
func (*Handler) Plan(ctx context.Context, order *model.Order) ([]ordertype.ItemSpec, error) {
	records := 1
	if n, ok := order.Payload["records"].(float64); ok && n >= 1 {
		records = int(n)
	}
	specs := make([]ordertype.ItemSpec, 0, records)
	for i := 0; i < records; i++ {
		specs = append(specs, ordertype.ItemSpec{
			Input:         model.JSONMap{"dataset": order.Payload["name"], "record": i},
			PartsRequired: []string{PartIdentity, PartContacts},
		})
	}
	return specs, nil
}

// PartialRules accepts only the declared part keys.
func (*Handler) PartialRules(ctx context.Context, item *model.Item, partKey string, seq *int) error {
	switch partKey {
	case PartIdentity, PartContacts:
		return nil
	}
	return fmt.Errorf("unknown part key %q", partKey)
}

// AfterValidatePart enforces the per-part field contracts.
func (*Handler) AfterValidatePart(ctx context.Context, item *model.Item, partKey string, payload model.JSONMap, seq *int) error {
	switch partKey {
	case PartIdentity:
		if name, _ := payload["name"].(string); strings.TrimSpace(name) == "" {
			return fmt.Errorf("identity requires a non-empty name")
		}
	case PartContacts:
		if email, _ := payload["email"].(string); strings.TrimSpace(email) == "" {
			return fmt.Errorf("contacts requires a non-empty email")
		}
	}
	return nil
}

// ValidateAssembled re-checks the cross-part record before it becomes the
// item's authoritative result.
func (*Handler) ValidateAssembled(ctx context.Context, item *model.Item, assembled model.JSONMap) error {
	if identity, ok := assembled[PartIdentity].(map[string]interface{}); ok {
		if name, _ := identity["name"].(string); strings.TrimSpace(name) == "" {
			return fmt.Errorf("assembled identity lost its name")
		}
	}
	return nil
}

func (*Handler) Apply(ctx context.Context, order *model.Order) (ordertype.Diff, error) {
	name, _ := order.Payload["name"].(string)
	return ordertype.Diff{
		Before:  model.JSONMap{"published": false},
		After:   model.JSONMap{"published": true, "dataset": name},
		Summary: fmt.Sprintf("published dataset %q", name),
	}, nil
}
