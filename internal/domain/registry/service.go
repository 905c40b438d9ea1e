package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo       Repository
	hospitalID uuid.UUID
	sentinel   uuid.UUID
	logger     zerolog.Logger
}

// NewService scopes lookups to hospitalID (uuid.Nil for any). sentinel is
// the device id given to inbound messages nothing else matches.
func NewService(repo Repository, hospitalID, sentinel uuid.UUID, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		hospitalID: hospitalID,
		sentinel:   sentinel,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// Attribute picks the device an inbound message is recorded against: the
// active device named sendingApp or connecting from remoteHost, else the
// first active device, else the sentinel. It never fails; lookup errors are
// logged and fall through to the next rule.
func (s *Service) Attribute(ctx context.Context, sendingApp, remoteHost string) uuid.UUID {
	d, err := s.repo.FindActiveByNameOrAddress(ctx, s.hospitalID, sendingApp, remoteHost)
	if err == nil {
		return d.ID
	}
	s.logMiss(err, "match by name or address")

	d, err = s.repo.FindFirstActive(ctx, s.hospitalID)
	if err == nil {
		s.logger.Debug().Str("sending_app", sendingApp).Str("remote_host", remoteHost).
			Str("device_id", d.ID.String()).Msg("inbound message attributed to first active device")
		return d.ID
	}
	s.logMiss(err, "first active device")

	s.logger.Warn().Str("sending_app", sendingApp).Str("remote_host", remoteHost).
		Msg("no active device, using sentinel")
	return s.sentinel
}

func (s *Service) logMiss(err error, step string) {
	if !errors.Is(err, ErrNoDevice) {
		s.logger.Error().Err(err).Str("step", step).Msg("device lookup failed")
	}
}

// DeviceForClass returns the active device orders of class are sent to.
func (s *Service) DeviceForClass(ctx context.Context, class DeviceClass) (*Device, error) {
	return s.repo.FindActiveByClass(ctx, s.hospitalID, class)
}

// DeviceCode returns the code deviceID knows labTestID by, falling back to
// the internal code when no mapping exists.
func (s *Service) DeviceCode(ctx context.Context, deviceID, labTestID uuid.UUID, internalCode string) string {
	m, err := s.repo.FindMapping(ctx, deviceID, labTestID)
	if err != nil {
		if !errors.Is(err, ErrNoMapping) {
			s.logger.Error().Err(err).Str("device_id", deviceID.String()).Msg("mapping lookup failed")
		}
		return internalCode
	}
	return m.DeviceCode
}

// LabTestForCode maps a device-local result code back to an internal lab
// test id.
func (s *Service) LabTestForCode(ctx context.Context, deviceID uuid.UUID, code string) (uuid.UUID, bool) {
	m, err := s.repo.FindByDeviceCode(ctx, deviceID, code)
	if err != nil {
		if !errors.Is(err, ErrNoMapping) {
			s.logger.Error().Err(err).Str("device_id", deviceID.String()).Msg("mapping lookup failed")
		}
		return uuid.Nil, false
	}
	return m.LabTestID, true
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Device, int, error) {
	return s.repo.List(ctx, s.hospitalID, limit, offset)
}

func (s *Service) Mappings(ctx context.Context, deviceID uuid.UUID) ([]*TestMapping, error) {
	return s.repo.ListMappings(ctx, deviceID)
}
