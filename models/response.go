package models

// APIResponse is the HTTP envelope used between the bridge transport and the
// backend daemon. Success reports whether the call was dispatched; the bridge
// result itself travels in Data.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
	}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
	}
}

// Result is the outcome of exactly one bridge command. Command-specific
// fields are set only by the commands that produce them.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	PID     *int `json:"pid,omitempty"`      // connect_device
	FPS     *int `json:"fps,omitempty"`      // set_fps, set_settings
	MaxSize *int `json:"max_size,omitempty"` // set_size, set_settings
	Count   *int `json:"count,omitempty"`    // disconnect_all, stop_all

	// Kind classifies a failed result. Empty on success.
	Kind ErrorKind `json:"-"`
}

func OK() Result {
	return Result{Success: true}
}

// Failed builds an unsuccessful result of the given kind.
func Failed(kind ErrorKind, msg string) Result {
	if msg == "" {
		msg = string(kind) + " error"
	}
	return Result{Success: false, Error: msg, Kind: kind}
}

// FailedFrom converts a classified error into a result.
func FailedFrom(err error) Result {
	kind := KindOf(err)
	if kind == "" {
		kind = KindTransport
	}
	return Failed(kind, err.Error())
}

// Err returns nil for a successful result and a *Error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = KindBackend
	}
	return &Error{Kind: kind, Message: r.Error}
}

// IntPtr is a helper for the optional result and patch fields.
func IntPtr(v int) *int { return &v }

// BoolPtr is the bool counterpart of IntPtr.
func BoolPtr(v bool) *bool { return &v }

// StringPtr is the string counterpart of IntPtr.
func StringPtr(v string) *string { return &v }
