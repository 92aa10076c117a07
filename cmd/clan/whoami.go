package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/keyring"
)

func newWhoamiCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the active identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(v)
			if err != nil {
				return err
			}
			key, err := cli.LoadKey(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			kv := cli.NewOutputFromViper(v, cmd.OutOrStdout()).KV("whoami").
				Set("Actor", key.Actor)

			infos, err := keyring.New(cfg.DataDir).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			for _, info := range infos {
				if info.PublicKey == key.PublicKey {
					if len(info.Aliases) > 0 {
						kv.Set("Aliases", strings.Join(info.Aliases, ", "))
					}
					kv.Set("Default", info.IsDefault)
					break
				}
			}
			return kv.Render()
		},
	}
}
