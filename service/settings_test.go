package service

import (
	"context"
	"errors"
	"testing"

	"androidmonitor/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Load(ctx context.Context) (models.GlobalSettings, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.GlobalSettings), args.Bool(1), args.Error(2)
}

func (m *mockRepository) Save(ctx context.Context, s models.GlobalSettings) error {
	return m.Called(ctx, s).Error(0)
}

func TestSettingsService_LoadAppliesStored(t *testing.T) {
	stored := models.GlobalSettings{FPS: 60, MaxSize: 1080, Bitrate: 12}
	repo := new(mockRepository)
	repo.On("Load", mock.Anything).Return(stored, true, nil)
	tm := newTestManager(t, ManagerConfig{})

	svc := NewSettingsService(repo, tm.DeviceManager, nopLogger())
	require.NoError(t, svc.Load(context.Background()))
	assert.Equal(t, stored, svc.Get())
	assert.Equal(t, 12, tm.windows.Options().Bitrate)

	tm.lister.set(detected("new", models.AdbOnline))
	require.NoError(t, tm.Scan(context.Background()))
	d, _ := tm.Device("new")
	assert.Equal(t, 60, d.FPS)
	assert.Equal(t, 1080, d.MaxSize)
}

func TestSettingsService_LoadDefaultsWhenEmpty(t *testing.T) {
	repo := new(mockRepository)
	repo.On("Load", mock.Anything).Return(models.GlobalSettings{}, false, nil)

	svc := NewSettingsService(repo, nil, nopLogger())
	require.NoError(t, svc.Load(context.Background()))
	assert.Equal(t, models.DefaultGlobalSettings(), svc.Get())
}

func TestSettingsService_Update(t *testing.T) {
	repo := new(mockRepository)
	want := models.DefaultGlobalSettings()
	want.AutoPreview = true
	repo.On("Save", mock.Anything, want).Return(nil).Once()
	svc := NewSettingsService(repo, nil, nopLogger())

	got, err := svc.Update(context.Background(), models.SettingsPatch{AutoPreview: models.BoolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want, svc.Get())
	repo.AssertExpectations(t)
}

func TestSettingsService_UpdateRejectsInvalid(t *testing.T) {
	repo := new(mockRepository)
	svc := NewSettingsService(repo, nil, nopLogger())

	_, err := svc.Update(context.Background(), models.SettingsPatch{Bitrate: models.IntPtr(500)})
	assert.ErrorIs(t, err, models.ErrValidation)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSettingsService_SaveFailureKeepsCurrent(t *testing.T) {
	repo := new(mockRepository)
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	svc := NewSettingsService(repo, nil, nopLogger())

	_, err := svc.Update(context.Background(), models.SettingsPatch{FPS: models.IntPtr(60)})
	assert.ErrorIs(t, err, models.ErrBackend)
	assert.Equal(t, models.DefaultFPS, svc.Get().FPS)
}
