package keys

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAliasCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "alias <name> <public-key>",
		Short: "Set an alias for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openKeyring(v).SetAlias(args[0], args[1]); err != nil {
				return fmt.Errorf("set alias: %w", err)
			}
			return output(cmd, v).Result("alias-set", fmt.Sprintf("Alias %q set", args[0])).
				With("Public Key", args[1]).
				Render()
		},
	}
}

func newDefaultCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "default <alias>",
		Short: "Set the default key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openKeyring(v).SetDefault(args[0]); err != nil {
				return fmt.Errorf("set default: %w", err)
			}
			return output(cmd, v).Result("default-set", fmt.Sprintf("Default key set to %q", args[0])).
				With("Alias", args[0]).
				Render()
		},
	}
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <alias|public-key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openKeyring(v).Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete key: %w", err)
			}
			return output(cmd, v).Result("key-deleted", fmt.Sprintf("Key %q deleted", args[0])).
				With("Key", args[0]).
				Render()
		},
	}
}
