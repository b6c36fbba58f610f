package main

import (
	"fmt"

	"picx/internal/core"
	"picx/pkg/storage"

	"github.com/spf13/cobra"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	storage    string
	baseURL    string
	debug      bool

	cfg core.Config
}

// kind resolves the storage selected by --storage, or by the config when the
// flag is unset.
func (a *app) kind() (storage.Kind, error) {
	name := a.storage
	if name == "" {
		name = a.cfg.Storage
	}
	if name == "" {
		return "", fmt.Errorf("no storage selected: pass --storage or set STORAGE_TYPE")
	}
	return core.ParseKind(name)
}

// provider builds the provider of the selected kind.
func (a *app) provider() (storage.Provider, error) {
	kind, err := a.kind()
	if err != nil {
		return nil, err
	}
	return core.NewProvider(a.cfg, kind)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "picx",
		Short:         "Store and serve images on an S3 bucket or a Hub repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configureLogger(a.debug)

			cfg, err := core.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			if a.baseURL != "" {
				cfg.BaseURL = a.baseURL
			}
			a.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&a.storage, "storage", "", "storage backend: r2 or hf")
	cmd.PersistentFlags().StringVar(&a.baseURL, "base-url", "", "public base URL objects are served from")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newHeadCmd(a),
		newDeleteCmd(a),
		newURLCmd(a),
	)

	return cmd
}
