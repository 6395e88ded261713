package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bpftraced/pkg/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

func (g *GlobalFlags) client() (*client.Client, error) {
	cfg := client.DefaultConfig()
	if g.APIUrl != "" {
		cfg.BaseURL = g.APIUrl
	}
	cfg.Timeout = g.APITimeout
	cfg.Insecure = g.Insecure
	if g.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: g.CACert}
	}
	return client.New(cfg)
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "bpftraced",
		Short: "Run bpftrace scripts and serve their data",
		Long: `bpftraced runs bpftrace scripts on behalf of a metrics agent, decodes their JSON
output into live variables and serves them over HTTP.

Examples:
  bpftraced serve --config=/etc/bpftraced.toml
  bpftraced create --file=biolatency.bt --username=admin
  bpftraced status s3f9c...
  bpftraced list --api-url=http://remote:7171/api`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default http://127.0.0.1:7171/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate to verify an HTTPS daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")

	root.AddCommand(
		createServeCommand(flags),
		createCreateCommand(flags),
		createListCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createDeleteCommand(flags),
		createHistoryCommand(flags),
		createVersionCommand(flags),
	)
	return root
}
