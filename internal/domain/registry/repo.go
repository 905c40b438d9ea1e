package registry

import (
	"context"

	"github.com/google/uuid"
)

// Repository lookups take a hospital id; uuid.Nil matches every hospital.
type Repository interface {
	FindActiveByNameOrAddress(ctx context.Context, hospitalID uuid.UUID, name, host string) (*Device, error)
	FindFirstActive(ctx context.Context, hospitalID uuid.UUID) (*Device, error)
	FindActiveByClass(ctx context.Context, hospitalID uuid.UUID, class DeviceClass) (*Device, error)
	FindMapping(ctx context.Context, deviceID, labTestID uuid.UUID) (*TestMapping, error)
	FindByDeviceCode(ctx context.Context, deviceID uuid.UUID, code string) (*TestMapping, error)
	List(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Device, int, error)
	ListMappings(ctx context.Context, deviceID uuid.UUID) ([]*TestMapping, error)
}
