package errors

import "net/http"

// Error code constants. Errors carry code + params; messages are for
// operators, not for programmatic branching.

// Proposal / schema error codes.
const (
	CodeSchemaViolation = "SCHEMA_VIOLATION"
	CodeTypeNotFound    = "ORDER_TYPE_NOT_FOUND"
)

// State machine error codes.
const (
	CodeIllegalTransition = "ILLEGAL_STATE_TRANSITION"
)

// Lease error codes.
const (
	CodeLeaseConflict    = "LEASE_CONFLICT"
	CodeLeaseExpired     = "LEASE_EXPIRED"
	CodeNoItemsAvailable = "NO_ITEMS_AVAILABLE"
)

// Submission / partial error codes.
const (
	CodeSubmissionInvalid    = "SUBMISSION_INVALID"
	CodePartInvalid          = "PART_INVALID"
	CodeMissingRequiredParts = "MISSING_REQUIRED_PARTS"
	CodePartialsDisabled     = "PARTIALS_DISABLED"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeTooManyParts         = "TOO_MANY_PARTS"
)

// Approval / apply error codes.
const (
	CodeNotReadyForApproval = "NOT_READY_FOR_APPROVAL"
	CodeApplyFailed         = "APPLY_FAILED"
)

// Lookup / query error codes.
const (
	CodeOrderNotFound = "ORDER_NOT_FOUND"
	CodeItemNotFound  = "ITEM_NOT_FOUND"
	CodeFilterInvalid = "FILTER_INVALID"
)

// Convenience constructors using predefined codes.

// ErrOrderNotFoundf creates an order not found error.
func ErrOrderNotFoundf(orderID string) *AppError {
	return NotFound(CodeOrderNotFound, "order not found").
		WithParams(map[string]interface{}{"order_id": orderID})
}

// ErrItemNotFoundf creates an item not found error.
func ErrItemNotFoundf(itemID string) *AppError {
	return NotFound(CodeItemNotFound, "item not found").
		WithParams(map[string]interface{}{"item_id": itemID})
}

// ErrTypeNotFoundf creates an unknown order type error.
func ErrTypeNotFoundf(orderType string) *AppError {
	return NotFound(CodeTypeNotFound, "order type is not registered").
		WithParams(map[string]interface{}{"type": orderType})
}

// ErrIllegalTransitionf creates a state machine violation error.
func ErrIllegalTransitionf(entity, from, to string) *AppError {
	return &AppError{
		Code:       CodeIllegalTransition,
		Message:    "transition is not in the configured adjacency",
		HTTPStatus: http.StatusConflict,
		Params: map[string]interface{}{
			"entity": entity,
			"from":   from,
			"to":     to,
		},
	}
}

// ErrLeaseConflictf creates a lease conflict error.
func ErrLeaseConflictf(itemID, holder string) *AppError {
	return Conflict(CodeLeaseConflict, "item is leased by another agent or not leasable").
		WithParams(map[string]interface{}{"item_id": itemID, "held_by": holder})
}

// ErrLeaseExpiredf creates a lease expired error.
func ErrLeaseExpiredf(itemID string) *AppError {
	return Conflict(CodeLeaseExpired, "lease has passed its TTL").
		WithParams(map[string]interface{}{"item_id": itemID})
}
