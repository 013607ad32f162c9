package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/trackproxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing trackproxy configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration in YAML format.

With no config file or environment overrides this prints every option with
its default value. Redirect it to a file to start a configuration:

  trackproxy config dump > .trackproxy.yaml

Configuration can be set via:
  - Config file (.trackproxy.yaml in $HOME, the working directory or /etc/trackproxy)
  - Environment variables (TRACKPROXY_SERVER_PORT, TRACKPROXY_UPSTREAM_BASE_URL, etc.)
  - Command-line flags (for some options)

Environment variables use the TRACKPROXY_ prefix and underscores for nesting.
Example: streaming.reuse_distance -> TRACKPROXY_STREAMING_REUSE_DISTANCE`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and sizes in the same human form the loader accepts.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# trackproxy configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 500ms, 30s, 10m")
	fmt.Fprintln(w, "# Size format: 64KiB, 1MiB, 1MB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintf(w, "#   %s_SERVER_HOST, %s_SERVER_PORT\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintf(w, "#   %s_UPSTREAM_BASE_URL, %s_PROFILES_DIR\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintf(w, "#   %s_LOGGING_LEVEL, %s_LOGGING_FORMAT\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), cfg)
}
