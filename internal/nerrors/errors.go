// Package nerrors defines the closed error-kind taxonomy shared by every
// pipeline stage, each kind carrying a short human-readable hint pointing
// at its most common cause.
package nerrors

import "fmt"

// Kind is one of the closed set of error kinds a stage may report.
type Kind string

const (
	KindPortalDenied        Kind = "PortalDenied"
	KindPortalUnavailable   Kind = "PortalUnavailable"
	KindNoSuchSource        Kind = "NoSuchSource"
	KindSourceLost          Kind = "SourceLost"
	KindHardwareUnavailable Kind = "HardwareUnavailable"
	KindUnsupportedCodec    Kind = "UnsupportedCodec"
	KindUnsupportedProfile  Kind = "UnsupportedProfile"
	KindInvalidParameters   Kind = "InvalidParameters"
	KindStalled             Kind = "Stalled"
	KindDeviceUnavailable   Kind = "DeviceUnavailable"
	KindFileIo              Kind = "FileIo"
	KindNetworkIo            Kind = "NetworkIo"
	KindSignalingError      Kind = "SignalingError"
	KindTimeout             Kind = "Timeout"
	KindInternalInvariant   Kind = "InternalInvariant"
)

// hints gives each kind a short human-readable pointer at its most common
// cause, per spec's "user-visible messaging" requirement.
var hints = map[Kind]string{
	KindPortalDenied:        "the user declined the screen-share permission prompt",
	KindPortalUnavailable:   "check that the desktop portal service (xdg-desktop-portal) is running",
	KindNoSuchSource:        "the requested monitor or window id no longer exists",
	KindSourceLost:          "the compositor revoked the capture session mid-stream",
	KindHardwareUnavailable: "no compatible hardware encoder was found for this GPU",
	KindUnsupportedCodec:    "the requested codec is not supported by the active encoder",
	KindUnsupportedProfile:  "the requested profile/option combination is not supported; adjust advanced options",
	KindInvalidParameters:   "one or more configuration values are out of range",
	KindStalled:             "the encoder's submit queue is full; frames are being dropped",
	KindDeviceUnavailable:   "the virtual camera kernel facility (v4l2loopback) is not loaded",
	KindFileIo:              "check that the recording path is writable and has free space",
	KindNetworkIo:           "check network connectivity to the streaming endpoint",
	KindSignalingError:      "the browser peer's SDP negotiation failed",
	KindTimeout:             "a pipeline stage did not respond within its deadline",
	KindInternalInvariant:   "an internal invariant was violated; this is a bug",
}

// Error is the error type returned by stage operations across the pipeline.
type Error struct {
	Kind   Kind
	Path   string // set for FileIo
	Target string // set for NetworkIo, Timeout(stage)
	Err    error
}

func (e *Error) Error() string {
	hint := hints[e.Kind]
	switch {
	case e.Path != "":
		return fmt.Sprintf("%s (%s): %v — %s", e.Kind, e.Path, e.Err, hint)
	case e.Target != "":
		return fmt.Sprintf("%s (%s): %v — %s", e.Kind, e.Target, e.Err, hint)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v — %s", e.Kind, e.Err, hint)
	default:
		return fmt.Sprintf("%s — %s", e.Kind, hint)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Hint returns the human-readable hint for a kind, empty if unknown.
func Hint(k Kind) string { return hints[k] }

// New builds an *Error with no wrapped cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap builds an *Error wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// WrapFile builds a FileIo error tagged with the path that failed.
func WrapFile(path string, cause error) *Error {
	return &Error{Kind: KindFileIo, Path: path, Err: cause}
}

// WrapNetwork builds a NetworkIo error tagged with the endpoint that failed.
func WrapNetwork(target string, cause error) *Error {
	return &Error{Kind: KindNetworkIo, Target: target, Err: cause}
}

// WrapTimeout builds a Timeout error tagged with the stage that timed out.
func WrapTimeout(stage string) *Error {
	return &Error{Kind: KindTimeout, Target: stage}
}

// Is allows errors.Is(err, nerrors.New(nerrors.KindX)) to work by
// comparing kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// OfKind reports whether err is an *Error of the given kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
