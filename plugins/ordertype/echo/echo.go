// Package echo implements the bundled "echo" order type: one item that asks
// an agent to repeat the proposed message back. It is the smallest complete
// handler and doubles as the smoke-test type for new deployments.
package echo

import (
	"context"
	"fmt"

	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
)

// Handler is the echo order type.
type Handler struct {
	ordertype.Base
}

// New creates the handler.
func New() *Handler {
	return &Handler{}
}

func (*Handler) Name() string {
	return "echo"
}

func (*Handler) Schema() map[string]interface{} {
	return map[string]interface{}{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"required":             []string{"message"},
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
		},
	}
}

// Plan produces exactly one item carrying the message to echo.
func (*Handler) Plan(ctx context.Context, order *model.Order) ([]ordertype.ItemSpec, error) {
	return []ordertype.ItemSpec{
		{Input: model.JSONMap{"message": order.Payload["message"]}},
	}, nil
}

// ValidateSubmissionRules requires an acknowledged result whose echoed
// message matches the planned input.
func (*Handler) ValidateSubmissionRules(ctx context.Context, item *model.Item, result model.JSONMap) error {
	if ok, _ := result["ok"].(bool); !ok {
		return fmt.Errorf("result must acknowledge with ok=true")
	}
	want, _ := item.Input["message"].(string)
	if got, _ := result["echoed_message"].(string); got != want {
		return fmt.Errorf("echoed_message %q does not match the requested message %q", got, want)
	}
	return nil
}

func (*Handler) Apply(ctx context.Context, order *model.Order) (ordertype.Diff, error) {
	message, _ := order.Payload["message"].(string)
	return ordertype.Diff{
		Before:  model.JSONMap{"echoed": false},
		After:   model.JSONMap{"echoed": true, "message": message},
		Summary: fmt.Sprintf("echoed %q", message),
	}, nil
}
