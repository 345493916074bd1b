//go:build linux

package capture

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"github.com/ghostkellz/nitrogen/internal/nerrors"
)

const (
	portalBusName       = "org.freedesktop.portal.Desktop"
	portalObjectPath    = "/org/freedesktop/portal/desktop"
	screenCastIface     = "org.freedesktop.portal.ScreenCast"
	requestIface        = "org.freedesktop.portal.Request"

	// responseDenied is the portal Response code for a user-declined
	// prompt, per the xdg-desktop-portal Request interface.
	responseDenied = 1
	// responseCancelled is the portal Response code for a cancelled request.
	responseCancelled = 2
)

var handleTokenCounter atomic.Uint64

// DBusPortal negotiates a ScreenCast session over the session D-Bus,
// following the xdg-desktop-portal CreateSession/SelectSources/Start
// handshake.
type DBusPortal struct {
	conn      *dbus.Conn
	sessionHandle dbus.ObjectPath
}

// NewDBusPortal connects to the session bus. The connection is
// established lazily so constructing a DBusPortal never itself fails.
func NewDBusPortal() *DBusPortal {
	return &DBusPortal{}
}

func (p *DBusPortal) ensureConn() error {
	if p.conn != nil {
		return nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return err
	}
	p.conn = conn
	return nil
}

// Negotiate implements PortalNegotiator by driving the ScreenCast
// portal's CreateSession -> SelectSources -> Start call sequence and
// waiting on the associated Request object's Response signal at each
// step.
func (p *DBusPortal) Negotiate(ctx context.Context, desc SourceDescriptor, withAudio bool) (uint32, int, int, error) {
	if err := p.ensureConn(); err != nil {
		return 0, 0, 0, nerrors.Wrap(nerrors.KindPortalUnavailable, err)
	}

	obj := p.conn.Object(portalBusName, portalObjectPath)

	sessionToken := nextHandleToken("nitrogen_session")
	createArgs := map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}
	if _, err := p.callAndAwait(ctx, obj, screenCastIface+".CreateSession", []any{createArgs}); err != nil {
		return 0, 0, 0, classifyPortalError(err)
	}

	p.sessionHandle = dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/session/%s", sessionToken))

	selectArgs := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(sourceTypesFor(desc)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(1)), // embedded cursor
	}
	if _, err := p.callAndAwait(ctx, obj, screenCastIface+".SelectSources", []any{p.sessionHandle, selectArgs}); err != nil {
		return 0, 0, 0, classifyPortalError(err)
	}

	startArgs := map[string]dbus.Variant{}
	results, err := p.callAndAwait(ctx, obj, screenCastIface+".Start", []any{p.sessionHandle, "", startArgs})
	if err != nil {
		return 0, 0, 0, classifyPortalError(err)
	}

	nodeID, w, h, err := parseStreamsResult(results)
	if err != nil {
		return 0, 0, 0, nerrors.Wrap(nerrors.KindInternalInvariant, err)
	}
	return nodeID, w, h, nil
}

// Close tears down the portal session, if one is open.
func (p *DBusPortal) Close() error {
	if p.conn == nil || p.sessionHandle == "" {
		return nil
	}
	obj := p.conn.Object(portalBusName, p.sessionHandle)
	call := obj.Call("org.freedesktop.portal.Session.Close", 0)
	p.sessionHandle = ""
	return call.Err
}

// callAndAwait invokes a portal method that returns a Request object
// path, then blocks on that object's Response signal.
func (p *DBusPortal) callAndAwait(ctx context.Context, obj dbus.BusObject, method string, args []any) (map[string]dbus.Variant, error) {
	requestToken := nextHandleToken("nitrogen_request")
	fullArgs := append(append([]any{}, args[:len(args)-1]...), mergeRequestToken(args[len(args)-1], requestToken))

	var requestPath dbus.ObjectPath
	call := obj.Call(method, 0, fullArgs...)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&requestPath); err != nil {
		return nil, err
	}

	sigCh := make(chan *dbus.Signal, 1)
	p.conn.Signal(sigCh)
	defer p.conn.RemoveSignal(sigCh)

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response',path='%s'", requestIface, requestPath)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig := <-sigCh:
			if sig.Path != requestPath || len(sig.Body) < 2 {
				continue
			}
			code, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			if code == responseDenied {
				return nil, errPortalDenied{}
			}
			if code == responseCancelled {
				return nil, errPortalDenied{cancelled: true}
			}
			if code != 0 {
				return nil, fmt.Errorf("portal request failed with code %d", code)
			}
			return results, nil
		}
	}
}

type errPortalDenied struct{ cancelled bool }

func (errPortalDenied) Error() string { return "portal request denied" }

func classifyPortalError(err error) error {
	if _, ok := err.(errPortalDenied); ok {
		return nerrors.Wrap(nerrors.KindPortalDenied, err)
	}
	if err == context.DeadlineExceeded {
		return nerrors.WrapTimeout("portal-negotiation")
	}
	return nerrors.Wrap(nerrors.KindPortalUnavailable, err)
}

func nextHandleToken(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, handleTokenCounter.Add(1))
}

func mergeRequestToken(last any, token string) map[string]dbus.Variant {
	m, ok := last.(map[string]dbus.Variant)
	if !ok {
		m = map[string]dbus.Variant{}
	}
	out := make(map[string]dbus.Variant, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["handle_token"] = dbus.MakeVariant(token)
	return out
}

func sourceTypesFor(desc SourceDescriptor) uint32 {
	switch desc.Kind {
	case SourceWindow:
		return 2 // WINDOW
	case SourceMonitor:
		return 1 // MONITOR
	default:
		return 1 | 2 // let the portal's own picker choose
	}
}

// parseStreamsResult pulls the PipeWire node id and negotiated size out
// of the Start response's "streams" array, a(ua{sv}) in the portal's own
// notation.
func parseStreamsResult(results map[string]dbus.Variant) (uint32, int, int, error) {
	raw, ok := results["streams"]
	if !ok {
		return 0, 0, 0, fmt.Errorf("portal response missing streams")
	}
	streams, ok := raw.Value().([][]any)
	if !ok || len(streams) == 0 {
		return 0, 0, 0, fmt.Errorf("portal response has no usable streams")
	}
	first := streams[0]
	if len(first) < 2 {
		return 0, 0, 0, fmt.Errorf("malformed stream tuple")
	}
	nodeID, ok := first[0].(uint32)
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected node id type")
	}
	props, _ := first[1].(map[string]dbus.Variant)
	w, h := 1920, 1080
	if sz, ok := props["size"]; ok {
		if pair, ok := sz.Value().([]int32); ok && len(pair) == 2 {
			w, h = int(pair[0]), int(pair[1])
		}
	}
	return nodeID, w, h, nil
}

func probePortalAvailable() (bool, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return false, nil
	}
	defer conn.Close()

	obj := conn.Object(portalBusName, portalObjectPath)
	variant, err := obj.GetProperty(screenCastIface + ".version")
	if err != nil {
		return false, nil
	}
	_ = variant
	return true, nil
}

func probeKnownMonitors() []SourceInfo {
	// Wayland compositors don't expose monitor enumeration outside the
	// portal's own picker UI; report a single "ask the portal" pseudo-source.
	return []SourceInfo{
		{
			Descriptor: SourceDescriptor{Kind: SourcePortalPrompt},
			Name:       "Portal picker (select monitor/window at capture time)",
		},
	}
}
