package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const userUnitName = "nitrogen.service"

// userUnit is a systemd --user unit. Nitrogen runs inside the caller's
// graphical session (it talks to the compositor's portal), so this
// installs a per-user unit rather than a root-owned system-wide one.
const userUnit = `[Unit]
Description=Nitrogen screen-sharing engine
After=graphical-session.target

[Service]
Type=simple
ExecStart=%s cast
Restart=on-failure
RestartSec=2

[Install]
WantedBy=graphical-session.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the nitrogen systemd --user unit",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and enable the systemd --user unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		unitDir := userUnitDir()
		if err := os.MkdirAll(unitDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", unitDir, err)
		}
		unitPath := filepath.Join(unitDir, userUnitName)
		if err := os.WriteFile(unitPath, []byte(fmt.Sprintf(userUnit, exePath)), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("systemd --user unit installed to %s\n", unitPath)

		if out, err := exec.Command("systemctl", "--user", "daemon-reload").CombinedOutput(); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", strings.TrimSpace(string(out)))
		}
		if out, err := exec.Command("systemctl", "--user", "enable", userUnitName).CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to enable unit: %s\n", strings.TrimSpace(string(out)))
		}

		fmt.Println("Start it with: systemctl --user start nitrogen")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Disable and remove the systemd --user unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		exec.Command("systemctl", "--user", "stop", userUnitName).Run()
		exec.Command("systemctl", "--user", "disable", userUnitName).Run()
		os.Remove(filepath.Join(userUnitDir(), userUnitName))
		exec.Command("systemctl", "--user", "daemon-reload").Run()
		fmt.Println("nitrogen systemd --user unit removed")
		return nil
	},
}

func userUnitDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "systemd", "user")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user")
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd)
}
