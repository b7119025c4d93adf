package models

import "fmt"

// Stream configuration bounds.
const (
	MinFPS       = 1
	MaxFPS       = 120
	MaxSizeLimit = 2048 // backend clamp; 0 means original resolution
	MinBitrate   = 1    // Mbps
	MaxBitrate   = 100
)

// ValidateFPS rejects values outside [MinFPS, MaxFPS].
func ValidateFPS(fps int) error {
	if fps < MinFPS || fps > MaxFPS {
		return NewError(KindValidation, "fps", fmt.Sprintf("fps must be between %d and %d, got %d", MinFPS, MaxFPS, fps))
	}
	return nil
}

// ValidateMaxSize accepts 0 (original resolution) or any positive size.
func ValidateMaxSize(size int) error {
	if size < 0 {
		return NewError(KindValidation, "max_size", fmt.Sprintf("max_size must be 0 or positive, got %d", size))
	}
	return nil
}

// ClampFPS and ClampMaxSize are the backend's lenient counterparts.
func ClampFPS(fps int) int {
	return max(MinFPS, min(MaxFPS, fps))
}

func ClampMaxSize(size int) int {
	return max(0, min(MaxSizeLimit, size))
}

// GlobalSettings are the process-wide defaults applied to devices without an
// override.
type GlobalSettings struct {
	FPS         int  `json:"fps"`
	MaxSize     int  `json:"max_size"`
	Bitrate     int  `json:"bitrate"` // Mbps
	AutoConnect bool `json:"auto_connect"`
	AutoPreview bool `json:"auto_preview"`
}

func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		FPS:     DefaultFPS,
		MaxSize: DefaultMaxSize,
		Bitrate: 4,
	}
}

// SettingsPatch is a partial GlobalSettings; nil fields are left unchanged.
type SettingsPatch struct {
	FPS         *int  `json:"fps,omitempty"`
	MaxSize     *int  `json:"max_size,omitempty"`
	Bitrate     *int  `json:"bitrate,omitempty"`
	AutoConnect *bool `json:"auto_connect,omitempty"`
	AutoPreview *bool `json:"auto_preview,omitempty"`
}

func (p SettingsPatch) Empty() bool {
	return p.FPS == nil && p.MaxSize == nil && p.Bitrate == nil && p.AutoConnect == nil && p.AutoPreview == nil
}

func (p SettingsPatch) Validate() error {
	if p.FPS != nil {
		if err := ValidateFPS(*p.FPS); err != nil {
			return err
		}
	}
	if p.MaxSize != nil {
		if err := ValidateMaxSize(*p.MaxSize); err != nil {
			return err
		}
	}
	if p.Bitrate != nil && (*p.Bitrate < MinBitrate || *p.Bitrate > MaxBitrate) {
		return NewError(KindValidation, "bitrate", fmt.Sprintf("bitrate must be between %d and %d Mbps, got %d", MinBitrate, MaxBitrate, *p.Bitrate))
	}
	return nil
}

// Apply returns s with the patch merged in.
func (p SettingsPatch) Apply(s GlobalSettings) GlobalSettings {
	if p.FPS != nil {
		s.FPS = *p.FPS
	}
	if p.MaxSize != nil {
		s.MaxSize = *p.MaxSize
	}
	if p.Bitrate != nil {
		s.Bitrate = *p.Bitrate
	}
	if p.AutoConnect != nil {
		s.AutoConnect = *p.AutoConnect
	}
	if p.AutoPreview != nil {
		s.AutoPreview = *p.AutoPreview
	}
	return s
}

// Stats summarises the backend's view.
type Stats struct {
	DeviceCount    int  `json:"device_count"`
	StreamingCount int  `json:"streaming_count"`
	IsRunning      bool `json:"is_running"`
}
