package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/paneld/paneld/internal/attach"
)

var (
	attachServer     string
	attachSecret     string
	attachConfigPath string
	attachSave       bool
)

var attachCmd = &cobra.Command{
	Use:   "attach <panelId>",
	Short: "Open an interactive shell in a container panel",
	Long: `Connect the local terminal to a shell inside a container panel.

--server and --secret are remembered with --save; later runs reuse them.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		panelID := args[0]
		logger, err := newLogger("console", "warn")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer logger.Sync()

		if attachConfigPath == "" {
			attachConfigPath = attach.DefaultConfigPath()
		}
		cfg, err := attach.LoadConfig(attachConfigPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
		if cfg == nil {
			cfg = &attach.Config{}
		}
		if attachServer != "" {
			cfg.Server = attachServer
		}
		if attachSecret != "" {
			cfg.Secret = attachSecret
		}
		if cfg.Server == "" || cfg.Secret == "" {
			logger.Fatal("--server and --secret are required on first use")
		}
		if attachSave {
			if err := attach.SaveConfig(attachConfigPath, cfg); err != nil {
				logger.Warn("failed to save config", zap.Error(err))
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer cancel()

		stdinFd := int(os.Stdin.Fd())
		stdoutFd := int(os.Stdout.Fd())
		size := func() (uint16, uint16) {
			w, h, err := term.GetSize(stdoutFd)
			if err != nil {
				return 80, 24
			}
			return uint16(w), uint16(h)
		}

		var oldState *term.State
		if term.IsTerminal(stdinFd) {
			oldState, err = term.MakeRaw(stdinFd)
			if err != nil {
				logger.Fatal("failed to set raw mode", zap.Error(err))
			}
		}
		restore := func() {
			if oldState != nil {
				term.Restore(stdinFd, oldState)
			}
		}

		resized := make(chan struct{}, 1)
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				select {
				case resized <- struct{}{}:
				default:
				}
			}
		}()

		client := attach.NewClient(cfg.Server, cfg.Secret, logger)
		err = client.Attach(ctx, panelID, os.Stdin, os.Stdout, size, resized)
		restore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nattach: %v\n", err)
			cancel()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
	attachCmd.Flags().StringVar(&attachServer, "server", "", "paneld base URL, e.g. http://localhost:8080")
	attachCmd.Flags().StringVar(&attachSecret, "secret", os.Getenv("PANELD_SECRET"), "Shared API secret")
	attachCmd.Flags().StringVar(&attachConfigPath, "config", "", "Config file path (default ~/.paneld/attach.json)")
	attachCmd.Flags().BoolVar(&attachSave, "save", false, "Remember --server and --secret")
}
