// Package cli implements rgwctl, an operator tool that talks to peer regions
// with the gateway's system credentials.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eliq/ceph/internal/region"
	"github.com/eliq/ceph/internal/regionconn"
	"github.com/eliq/ceph/internal/transport/httptransport"
	"github.com/eliq/ceph/pkg/config"
)

// app carries the state shared by all rgwctl commands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// NewRootCommand builds the rgwctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "rgwctl",
		Short: "Inter-region forwarding client for object gateways",
		Long: `rgwctl sends system requests to the peer regions configured for a
gateway: one-shot forwarded requests and streamed object uploads and downloads.
It reads the same rgw.yaml as the gateway.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./rgw.yaml, $HOME/.rgw/rgw.yaml or /etc/rgw/rgw.yaml)")
	flags.String("region", "", "local region name sent with every request")
	flags.String("access-key", "", "system access key")
	flags.String("signer", "", "request signer (sigv4|token)")
	flags.String("uid", "", "user the request is made on behalf of")

	root.AddCommand(
		a.regionsCmd(),
		a.forwardCmd(),
		a.putCmd(),
		a.getCmd(),
	)
	return root
}

// Execute runs rgwctl and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// flagOverrides maps config keys to the flags that override them.
var flagOverrides = map[string]string{
	"gateway.region":    "region",
	"system.access_key": "access-key",
	"gateway.signer":    "signer",
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.SetConfigName(config.ServiceName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rgw")
		v.AddConfigPath("/etc/rgw/")
	}

	// RGW_GATEWAY_REGION, RGW_SYSTEM_SECRET_KEY, ...
	v.SetEnvPrefix(strings.ToUpper(config.ServiceName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("gateway.region")
	v.BindEnv("system.access_key")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Flags override the file only when given.
	for key, name := range flagOverrides {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}

	cfg, err := config.LoadFromViper(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

// registry builds the upstream connections from the loaded configuration.
func (a *app) registry() (*region.Registry, error) {
	signer, err := a.cfg.NewSigner()
	if err != nil {
		return nil, err
	}
	t := httptransport.New(httptransport.Options{
		Signer:           signer,
		MaxResponseBytes: a.cfg.Gateway.MaxResponseBytes,
		UserAgent:        "rgwctl",
	})

	reg := region.NewRegistry(a.cfg.LocalIdentity(), t)
	if err := reg.Reload(a.cfg.Upstreams()); err != nil {
		return nil, err
	}
	return reg, nil
}

func (a *app) connection(name string) (*regionconn.Connection, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	conn, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown upstream region %q", name)
	}
	return conn, nil
}

func uidFromCmd(cmd *cobra.Command) (string, error) {
	uid, err := cmd.Flags().GetString("uid")
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", fmt.Errorf("--uid is required")
	}
	return uid, nil
}
