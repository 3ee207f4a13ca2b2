package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relayd/internal/client"
	relayversion "github.com/relaymesh/relayd/internal/version"
)

var flagBaseURL string

func main() {
	rootCmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control a running relayd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "daemon admin API base URL (default "+client.DefaultBaseURL+")")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")

	rootCmd.AddCommand(
		newStatusCommand(),
		newVersionCommand(),
		newListenerCommand(),
		newConnectorCommand(),
		newTLSProfileCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func apiClient() *client.Client {
	return client.New(flagBaseURL)
}

// OutputFormatter handles output in JSON or human-readable format.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data as indented JSON when --json is set, otherwise as
// the provided plain string.
func (f *OutputFormatter) Print(data any, plain string) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	fmt.Println(plain)
	return nil
}

// parseSetFlags turns repeated --set key=value flags into an entity field map.
func parseSetFlags(values []string) (map[string]string, error) {
	fields := make(map[string]string, len(values))
	for _, raw := range values {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", raw)
		}
		fields[strings.TrimSpace(key)] = value
	}
	return fields, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and endpoint counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := apiClient().Status()
			if err != nil {
				return err
			}
			out := newOutputFormatter(cmd)
			plain := fmt.Sprintf("relayd %s\nstate: %s\nlisteners: %d\nconnectors: %d",
				relayversion.FormatVersion(status.Version), status.State, status.Listeners, status.Connectors)
			return out.Print(status, plain)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)
			clientVersion := relayversion.String()

			data := map[string]any{"client": clientVersion}
			lines := []string{"client: " + relayversion.FormatVersion(clientVersion)}

			status, err := apiClient().Status()
			if err != nil {
				data["daemon_error"] = err.Error()
				lines = append(lines, "daemon: unreachable ("+err.Error()+")")
			} else {
				data["daemon"] = status.Version
				lines = append(lines, "daemon: "+relayversion.FormatVersion(status.Version))
				if warning := relayversion.CheckVersionMismatch(status.Version); warning != "" {
					data["warning"] = warning
					lines = append(lines, warning)
				}
			}

			return out.Print(data, strings.Join(lines, "\n"))
		},
	}
}
