package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ghostkellz/nitrogen/internal/capture"
	"github.com/ghostkellz/nitrogen/internal/videoenc"
)

var listSourcesCmd = &cobra.Command{
	Use:   "list-sources",
	Short: "Enumerate available capture sources",
	Run: func(cmd *cobra.Command, args []string) {
		loadConfig()
		portalAvailable, sources, err := capture.ProbeCapabilities()
		if err != nil {
			fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
			os.Exit(exitPortalUnavailable)
		}
		if !portalAvailable {
			fmt.Fprintln(os.Stderr, "xdg-desktop-portal is not reachable")
			os.Exit(exitPortalUnavailable)
		}
		if len(sources) == 0 {
			fmt.Println("no enumerable sources; the portal will prompt its own picker at cast time")
			return
		}
		for _, s := range sources {
			hdr := ""
			if s.HDRCapable {
				hdr = " (hdr)"
			}
			fmt.Printf("%-24s %dx%d%s\n", s.Name, s.Width, s.Height, hdr)
		}
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print host and GPU capabilities",
	Run: func(cmd *cobra.Command, args []string) {
		loadConfig()

		portalAvailable, sources, err := capture.ProbeCapabilities()
		fmt.Printf("portal available: %v\n", portalAvailable)
		if err != nil {
			fmt.Printf("portal probe error: %v\n", err)
		}
		fmt.Printf("capture sources:   %d\n", len(sources))

		hw := videoenc.ProbeHardware()
		if len(hw) == 0 {
			fmt.Println("hardware encoders: none registered for this platform")
		}
		for _, h := range hw {
			fmt.Printf("hardware encoder:  %-10s available=%v\n", h.Name, h.Available)
		}
		fmt.Println("software encoder:  libx264/libx265/libaom-av1 (always available as fallback)")
		fmt.Println("supported codecs:  h264, hevc, av1")
	},
}
