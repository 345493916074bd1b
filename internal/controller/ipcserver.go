package controller

import (
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/ghostkellz/nitrogen/internal/ipc"
)

// maxIPCAttemptsPerWindow throttles repeated connection attempts from the
// same UID, per ipc.RateLimiter's per-UID sliding window design.
const (
	maxIPCAttemptsPerWindow = 20
	ipcRateLimitWindow      = time.Minute
)

// IPCServer exposes the Controller over the per-user Unix-domain socket
// surface spec §6 names: status/stop/pause/resume. Every envelope is
// signed with the zero key (no session handshake — authorization is the
// kernel-verified peer UID matching the server's own, via SO_PEERCRED),
// mirroring session_control.go's plain type-switch dispatch over a
// single connection's message stream.
type IPCServer struct {
	ln   net.Listener
	ctrl *Controller
	rl   *ipc.RateLimiter
}

// ListenIPC binds the Unix-domain socket at path, removing a stale socket
// file left behind by an unclean shutdown first. If a running session is
// still accepting on path, it returns os.ErrExist and leaves it alone.
func ListenIPC(path string, ctrl *Controller) (*IPCServer, error) {
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return nil, os.ErrExist
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, err
	}
	return &IPCServer{ln: ln, ctrl: ctrl, rl: ipc.NewRateLimiter(maxIPCAttemptsPerWindow, ipcRateLimitWindow)}, nil
}

// Addr returns the bound socket path.
func (s *IPCServer) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until the listener is closed.
func (s *IPCServer) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *IPCServer) Close() error {
	return s.ln.Close()
}

func (s *IPCServer) handleConn(raw net.Conn) {
	defer raw.Close()

	cred, err := ipc.GetPeerCredentials(raw)
	if err != nil {
		log.Warn("ipc: rejecting connection without verifiable peer credentials", "error", err)
		return
	}
	if uint32(os.Getuid()) != cred.UID {
		log.Warn("ipc: rejecting connection from foreign UID", "uid", cred.UID)
		return
	}
	if !s.rl.Allow(cred.UID) {
		log.Warn("ipc: rate limit exceeded", "uid", cred.UID)
		return
	}

	conn := ipc.NewConn(raw)
	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		resp := s.dispatch(env)
		if resp != nil {
			if err := conn.Send(resp); err != nil {
				return
			}
		}
	}
}

func (s *IPCServer) dispatch(env *ipc.Envelope) *ipc.Envelope {
	switch env.Type {
	case ipc.TypePing:
		return &ipc.Envelope{ID: env.ID, Type: ipc.TypePong}

	case ipc.TypeStatusRequest:
		snap := s.ctrl.Status()
		payload, _ := json.Marshal(ipc.StatusResponse{
			State:              snap.State,
			DropCounters:       snap.DropCounters,
			CurrentFPS:         snap.CurrentFPS,
			TargetFPS:          snap.TargetFPS,
			EncodeLatencyP50Ms: snap.EncodeLatencyP50Ms,
			EncodeLatencyP95Ms: snap.EncodeLatencyP95Ms,
			BitrateKbps:        snap.BitrateKbps,
			SinkErrors:         snap.SinkErrors,
		})
		return &ipc.Envelope{ID: env.ID, Type: ipc.TypeStatusResponse, Payload: payload}

	case ipc.TypeStopRequest:
		var req ipc.StopRequest
		_ = json.Unmarshal(env.Payload, &req)
		ack := ipc.Ack{OK: true}
		if err := s.ctrl.Stop(req.Force); err != nil {
			ack = ipc.Ack{OK: false, Error: err.Error()}
		}
		payload, _ := json.Marshal(ack)
		return &ipc.Envelope{ID: env.ID, Type: ipc.TypeStopAck, Payload: payload}

	case ipc.TypePauseRequest:
		ack := ipc.Ack{OK: true}
		if err := s.ctrl.Pause(); err != nil {
			ack = ipc.Ack{OK: false, Error: err.Error()}
		}
		payload, _ := json.Marshal(ack)
		return &ipc.Envelope{ID: env.ID, Type: ipc.TypePauseAck, Payload: payload}

	case ipc.TypeResumeRequest:
		ack := ipc.Ack{OK: true}
		if err := s.ctrl.Resume(); err != nil {
			ack = ipc.Ack{OK: false, Error: err.Error()}
		}
		payload, _ := json.Marshal(ack)
		return &ipc.Envelope{ID: env.ID, Type: ipc.TypeResumeAck, Payload: payload}

	default:
		return &ipc.Envelope{ID: env.ID, Type: env.Type, Error: "unknown message type"}
	}
}
