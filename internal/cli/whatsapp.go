package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxclaw/voxclaw/internal/bus"
	"github.com/voxclaw/voxclaw/internal/channels"
	"github.com/voxclaw/voxclaw/internal/config"
)

var whatsappCmd = &cobra.Command{
	Use:   "whatsapp",
	Short: "WhatsApp pairing helpers",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var whatsappLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Pair WhatsApp by QR code without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("📱 WhatsApp Pairing")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if !cfg.Channels.WhatsApp.Enabled {
			return fmt.Errorf("whatsapp is disabled in %s", config.ConfigPath())
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		// Start blocks through the QR flow and returns once paired.
		wa := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, cfg.Paths.MediaDir, bus.NewMessageBus())
		if err := wa.Start(ctx); err != nil {
			return err
		}
		defer wa.Stop()
		fmt.Println("Paired. Run 'voxclaw serve' to start the assistant.")
		return nil
	},
}

func init() {
	whatsappCmd.AddCommand(whatsappLoginCmd)
}
