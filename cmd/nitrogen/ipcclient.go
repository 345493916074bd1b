package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ghostkellz/nitrogen/internal/ipc"
)

// ipcRequestTimeout bounds how long stop/status wait for a running
// session to respond before reporting it unreachable.
const ipcRequestTimeout = 3 * time.Second

func dialIPC(socketPath string) (*ipc.Conn, error) {
	raw, err := net.DialTimeout("unix", socketPath, ipcRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("no running session at %s: %w", socketPath, err)
	}
	raw.SetDeadline(time.Now().Add(ipcRequestTimeout))
	return ipc.NewConn(raw), nil
}

var forceStop bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cast session",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		conn, err := dialIPC(cfg.IPCSocketPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}
		defer conn.Close()

		payload, _ := json.Marshal(ipc.StopRequest{Force: forceStop})
		if err := conn.Send(&ipc.Envelope{ID: uuid.NewString(), Type: ipc.TypeStopRequest, Payload: payload}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}
		env, err := conn.Recv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}
		var ack ipc.Ack
		_ = json.Unmarshal(env.Payload, &ack)
		if !ack.OK {
			fmt.Fprintf(os.Stderr, "stop failed: %s\n", ack.Error)
			os.Exit(exitGenericFailure)
		}
		fmt.Println("session stopped")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running session's status snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		conn, err := dialIPC(cfg.IPCSocketPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}
		defer conn.Close()

		if err := conn.Send(&ipc.Envelope{ID: uuid.NewString(), Type: ipc.TypeStatusRequest}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}
		env, err := conn.Recv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}
		var status ipc.StatusResponse
		if err := json.Unmarshal(env.Payload, &status); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitGenericFailure)
		}

		fmt.Printf("state:        %s\n", status.State)
		fmt.Printf("fps:          %.1f / %.1f target\n", status.CurrentFPS, status.TargetFPS)
		fmt.Printf("bitrate:      %.0f kbps\n", status.BitrateKbps)
		fmt.Printf("encode p50:   %.2f ms\n", status.EncodeLatencyP50Ms)
		fmt.Printf("encode p95:   %.2f ms\n", status.EncodeLatencyP95Ms)
		for stage, n := range status.DropCounters {
			fmt.Printf("drops[%s]: %d\n", stage, n)
		}
		for sink, errMsg := range status.SinkErrors {
			fmt.Printf("error[%s]:  %s\n", sink, errMsg)
		}
	},
}

func init() {
	stopCmd.Flags().BoolVar(&forceStop, "force", false, "end in Failed rather than Idle if the session had already hit a fatal error (teardown is the same either way)")
}
