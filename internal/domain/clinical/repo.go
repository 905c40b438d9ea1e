package clinical

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// GetOrderWithSubOrders loads an order, its patient and its sub-orders.
	// A missing order yields ErrOrderNotFound.
	GetOrderWithSubOrders(ctx context.Context, id uuid.UUID) (*Order, error)
	CreateParameterResult(ctx context.Context, r *ParameterResult) error
	// CompleteLabOrder marks a lab sub-order completed; a nil result leaves
	// its result columns untouched.
	CompleteLabOrder(ctx context.Context, labOrderID uuid.UUID, result *LabResult) error
	CompleteRadiologyOrder(ctx context.Context, radiologyOrderID uuid.UUID, report, imageURL string) error
	CompleteOrder(ctx context.Context, orderID uuid.UUID) error
	// WithinTx runs fn so that every write it makes commits or rolls back
	// together.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
