package service

import (
	"context"
	"sync"

	"androidmonitor/models"

	"github.com/rs/zerolog"
)

// SettingsRepository persists the global settings.
type SettingsRepository interface {
	Load(ctx context.Context) (models.GlobalSettings, bool, error)
	Save(ctx context.Context, s models.GlobalSettings) error
}

// SettingsService owns the global settings and pushes every change into the
// device manager.
type SettingsService struct {
	repo    SettingsRepository
	devices *DeviceManager

	mu      sync.RWMutex
	current models.GlobalSettings

	logger zerolog.Logger
}

// NewSettingsService creates the service. repo may be nil, in which case
// settings live in memory only.
func NewSettingsService(repo SettingsRepository, devices *DeviceManager, logger zerolog.Logger) *SettingsService {
	return &SettingsService{
		repo:    repo,
		devices: devices,
		current: models.DefaultGlobalSettings(),
		logger:  logger.With().Str("component", "settings").Logger(),
	}
}

// Load reads the stored settings, falling back to defaults, and applies them.
func (s *SettingsService) Load(ctx context.Context) error {
	settings := models.DefaultGlobalSettings()
	if s.repo != nil {
		stored, found, err := s.repo.Load(ctx)
		if err != nil {
			return err
		}
		if found {
			settings = stored
		}
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()

	s.apply(settings)
	s.logger.Info().Int("fps", settings.FPS).Int("max_size", settings.MaxSize).
		Int("bitrate", settings.Bitrate).Bool("auto_connect", settings.AutoConnect).Msg("Settings loaded")
	return nil
}

func (s *SettingsService) Get() models.GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates and merges patch, persists the result and returns it.
func (s *SettingsService) Update(ctx context.Context, patch models.SettingsPatch) (models.GlobalSettings, error) {
	if err := patch.Validate(); err != nil {
		return s.Get(), err
	}

	s.mu.Lock()
	next := patch.Apply(s.current)
	if s.repo != nil {
		if err := s.repo.Save(ctx, next); err != nil {
			s.mu.Unlock()
			return s.Get(), models.WrapError(models.KindBackend, "update_settings", err)
		}
	}
	s.current = next
	s.mu.Unlock()

	s.apply(next)
	s.logger.Info().Interface("settings", next).Msg("Settings updated")
	return next, nil
}

func (s *SettingsService) apply(settings models.GlobalSettings) {
	if s.devices != nil {
		s.devices.ApplySettings(settings)
	}
}
