// Package cmd is the C9 Server Bootstrap: the cobra/viper CLI surface
// binding flags and environment variables into pkg/config, then
// dispatching to serve or one of the maintenance subcommands (spec §6).
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/scoutflo/homelab-mcp-server/pkg/config"
	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/server"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
	"github.com/scoutflo/homelab-mcp-server/pkg/tmpl"
	"github.com/scoutflo/homelab-mcp-server/pkg/version"
)

// exitError carries a process exit code alongside the error that caused
// it (spec §6: 0 success, 1 config error, 2 transport failure, 3
// unexpected internal error).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "homelab-mcp-server [command] [options]",
	Short: "Model Context Protocol server for homelab infrastructure automation",
	Long: `
Model Context Protocol (MCP) server for homelab infrastructure automation

  # start the default transports (stdio enabled by default)
  homelab-mcp-server serve

  # also expose a streamable HTTP endpoint
  homelab-mcp-server serve --http-port 8080

  # also expose a WebSocket endpoint
  homelab-mcp-server serve --ws-port 8081

  # generate (or print) the managed admin SSH keypair
  homelab-mcp-server generate-key

  # validate the bundled and on-disk service templates
  homelab-mcp-server validate-templates`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("version") {
			fmt.Println(version.Version)
			return nil
		}
		return cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server (default command)",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return &exitError{code: 1, err: fmt.Errorf("configuration error: %w", err)}
		}

		srv, err := server.New(cfg)
		if err != nil {
			return &exitError{code: 1, err: fmt.Errorf("startup error: %w", err)}
		}
		defer srv.Close()

		if err := srv.Run(context.Background()); err != nil {
			return &exitError{code: 2, err: fmt.Errorf("transport failure: %w", err)}
		}
		return nil
	},
}

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate (or load) the managed admin SSH keypair and print its authorized_keys line",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		keys, err := sshexec.NewKeyStore(cfg.SSHKeyPath, cfg.ManagedAdminUser+"@"+hostnameOrUnknown())
		if err != nil {
			return &exitError{code: 3, err: err}
		}
		fmt.Println(keys.AuthorizedKeyLine())
		return nil
	},
}

var validateTemplatesCmd = &cobra.Command{
	Use:   "validate-templates",
	Short: "Load and validate every service template under the inventory's templates directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		lib, err := tmpl.Load(cfg.TemplatesDir())
		if err != nil {
			return &exitError{code: 3, err: fmt.Errorf("template validation failed: %w", err)}
		}
		for _, s := range lib.List() {
			fmt.Printf("ok  %-24s v%-10s %s\n", s.Name, s.Version, s.Method)
		}
		return nil
	},
}

var exportInventoryCmd = &cobra.Command{
	Use:   "export-inventory",
	Short: "Dump the device store as JSON to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		store, err := devicestore.Open(cfg.DevicesDBPath())
		if err != nil {
			return &exitError{code: 3, err: err}
		}
		defer store.Close()

		devices, err := store.List(context.Background(), devicestore.Filter{})
		if err != nil {
			return &exitError{code: 3, err: err}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	},
}

var importInventoryCmd = &cobra.Command{
	Use:   "import-inventory [file]",
	Short: "Upsert devices from a JSON file previously produced by export-inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		var devices []devicestore.Device
		if err := json.Unmarshal(raw, &devices); err != nil {
			return &exitError{code: 1, err: fmt.Errorf("parse inventory file: %w", err)}
		}

		store, err := devicestore.Open(cfg.DevicesDBPath())
		if err != nil {
			return &exitError{code: 3, err: err}
		}
		defer store.Close()

		ctx := context.Background()
		for _, d := range devices {
			if _, err := store.Upsert(ctx, d, true); err != nil {
				return &exitError{code: 3, err: fmt.Errorf("import %s: %w", d.Hostname, err)}
			}
		}
		klog.V(0).Infof("imported %d devices", len(devices))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print version information and quit")
	rootCmd.PersistentFlags().IntP("log-level", "", 2, "Set the klog verbosity (0-9)")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	serveCmd.Flags().String("http-host", "0.0.0.0", "Streamable HTTP bind host")
	serveCmd.Flags().Int("http-port", 0, "Streamable HTTP port (0 disables the transport)")
	serveCmd.Flags().String("ws-host", "0.0.0.0", "WebSocket bind host")
	serveCmd.Flags().Int("ws-port", 0, "WebSocket port (0 disables the transport)")
	serveCmd.Flags().Bool("stdio", true, "Enable the stdio transport")
	serveCmd.Flags().Bool("http-stateless", true, "Synthesize one-shot sessions for stateless HTTP clients")
	serveCmd.Flags().String("host-key-policy", "tofu", "SSH host key policy: strict | tofu | accept-all")
	serveCmd.Flags().String("managed-admin-user", "mcp_admin", "Username bootstrapped onto managed hosts")
	_ = viper.BindPFlags(serveCmd.Flags())

	rootCmd.AddCommand(serveCmd, generateKeyCmd, validateTemplatesCmd, exportInventoryCmd, importInventoryCmd)
}

// Execute runs the CLI and returns the process exit code (spec §6).
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			klog.Errorf("%v", ee.err)
			return ee.code
		}
		klog.Errorf("%v", err)
		return 3
	}
	return 0
}

func initLogging() {
	logLevel := viper.GetInt("log-level")
	if logLevel < 0 {
		logLevel = 2
	}

	cfg := textlogger.NewConfig(
		textlogger.Output(os.Stderr),
		textlogger.Verbosity(logLevel),
	)
	logger := textlogger.NewLogger(cfg)
	klog.SetLoggerWithOptions(logger)

	flagSet := flag.NewFlagSet("homelab-mcp-server", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing log level: %v\n", err)
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
