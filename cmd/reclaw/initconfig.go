package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/server"
)

// scopePaths resolves an init-config --scope value to the concrete
// config file path(s) spec §6's layered loader reads from.
func scopePaths(scope string) ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil && (scope == "user" || scope == "both") {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	switch scope {
	case "etc":
		return []string{"/etc/reclaw/config.json"}, nil
	case "user":
		return []string{filepath.Join(home, ".reclaw", "config.json")}, nil
	case "both":
		return []string{"/etc/reclaw/config.json", filepath.Join(home, ".reclaw", "config.json")}, nil
	default:
		return nil, fmt.Errorf("unknown scope %q (want etc, user, or both)", scope)
	}
}

func newInitConfigCommand() *cobra.Command {
	var (
		scope          string
		nonInteractive bool
		force          bool
	)

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Scaffold a layered config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := scopePaths(scope)
			if err != nil {
				return &server.ConfigError{Err: err}
			}

			cfg := config.Default()
			if !nonInteractive {
				promptForConfig(cfg)
			}

			for _, path := range paths {
				if !force {
					if _, err := os.Stat(path); err == nil {
						return &server.ConfigError{Err: fmt.Errorf("%s already exists (use --force to overwrite)", path)}
					}
				}
				if err := config.Save(cfg, path); err != nil {
					return &server.ConfigError{Err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "user", "where to write the config: etc, user, or both")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "skip prompts and write defaults")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// promptForConfig walks the operator through the handful of settings
// that have no safe default (gateway auth, hooks token) — grounded on
// the teacher's cmd_onboard.go wizard, which prompts the same way with
// a bufio.Reader over os.Stdin and a bracketed default on each line.
func promptForConfig(cfg *config.Config) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Gateway auth token (blank to use a password instead): ")
	if token := readLine(reader); token != "" {
		cfg.GatewayToken = token
	}

	if cfg.GatewayToken == "" {
		fmt.Print("Gateway password (blank for no auth, loopback binds only): ")
		cfg.GatewayPassword = readLine(reader)
	}

	fmt.Printf("Bind host [%s]: ", cfg.Host)
	if host := readLine(reader); host != "" {
		cfg.Host = host
	}

	fmt.Print("Enable hooks ingress? [y/N]: ")
	cfg.HooksEnabled = strings.EqualFold(readLine(reader), "y")
	if cfg.HooksEnabled {
		fmt.Print("Hooks bearer token: ")
		cfg.HooksToken = readLine(reader)
	}
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
