package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/answercapture/internal/device"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List available capture sources",
	Long: `List the PipeWire nodes that can be used as answer capture sources
and check the source configured in the active profile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw := device.NewPipeWire()
		sources, err := pw.ListSources()
		if err != nil {
			return fmt.Errorf("failed to get PipeWire sources: %w", err)
		}

		fmt.Printf("🎙️  Capture Sources (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("📋 PIPEWIRE SOURCES (%d found):\n", len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		source := cfg.Device.Source
		if source == "" {
			source = "default"
		}
		fmt.Printf("\n🔧 Profile %q uses source %q", cfg.Profile, source)
		if err := pw.ValidatePort(cfg.Device.Source); err != nil {
			fmt.Printf(" ❌ %v\n", err)
		} else {
			fmt.Printf(" ✅\n")
		}

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Format: \"Node\" or \"Node:port\"\n")
		fmt.Printf("  • Example: \"alsa_input.usb-Blue_Yeti:capture_FL\"\n")
		fmt.Printf("  • Configure in configs.<profile>.device.source\n\n")
		return nil
	},
}
