// Package keys implements "clan keys": the Ed25519 identities the device
// acts as.
package keys

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/internal/cli"
	"github.com/gezibash/clan/internal/config"
	"github.com/gezibash/clan/internal/keyring"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage identity keys",
		Long:  "Manage Ed25519 identity keys with alias support.\nKeys are stored in <data-dir>/keys/ with a keyring.json alias map.",
	}

	cmd.AddCommand(
		newGenerateCmd(v),
		newImportCmd(v),
		newListCmd(v),
		newShowCmd(v),
		newAliasCmd(v),
		newDefaultCmd(v),
		newDeleteCmd(v),
	)

	return cmd
}

func dataDir(v *viper.Viper) string {
	if d := v.GetString("data_dir"); d != "" {
		return d
	}
	return config.DefaultDataDir()
}

func openKeyring(v *viper.Viper) *keyring.Keyring {
	return keyring.New(dataDir(v))
}

func output(cmd *cobra.Command, v *viper.Viper) *cli.Output {
	return cli.NewOutputFromViper(v, cmd.OutOrStdout())
}
