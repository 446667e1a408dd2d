package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/cubetl/pkg/expr"
	"github.com/wehubfusion/cubetl/pkg/logging"
)

// globalFlags are shared by every command. Each falls back to a CUBETL_*
// environment variable.
type globalFlags struct {
	logLevel      string
	logFormat     string
	props         []string
	securityLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "cubetl",
		Short: "Run ETL pipelines defined in YAML",
		Long: "cubetl loads a pipeline definition (properties, mappings, shared\n" +
			"components and a chain of nodes) and streams messages through it.",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		Version: version,
	}

	f := root.PersistentFlags()
	f.StringVar(&g.logLevel, "log-level", envOr("CUBETL_LOG_LEVEL", "warn"), "log level: debug, info, warn, error")
	f.StringVar(&g.logFormat, "log-format", envOr("CUBETL_LOG_FORMAT", logging.FormatConsole), "log format: console, json")
	f.StringArrayVarP(&g.props, "prop", "p", nil, "context property name=value, overrides the pipeline's properties")
	f.StringVar(&g.securityLevel, "security-level", envOr("CUBETL_SECURITY_LEVEL", expr.SecurityLevelStandard),
		"expression security level: strict, standard, permissive")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newDescribeCmd())
	root.AddCommand(newTypesCmd())
	return root
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	return logging.New(logging.Config{Level: g.logLevel, Format: g.logFormat})
}

func (g *globalFlags) exprConfig() (expr.Config, error) {
	cfg := expr.Config{SecurityLevel: g.securityLevel}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// envOr returns the environment variable key, or def when it is unset.
func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parseProps parses name=value pairs. Values are read as YAML scalars, so
// numbers and booleans keep their type.
func parseProps(pairs []string) (map[string]any, error) {
	props := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid property %q, expected name=value", pair)
		}
		var v any = raw
		if raw != "" {
			var typed any
			if err := yaml.Unmarshal([]byte(raw), &typed); err == nil {
				switch typed.(type) {
				case map[string]any, []any, nil:
				default:
					v = typed
				}
			}
		}
		props[name] = v
	}
	return props, nil
}
