package keys

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/internal/keyring"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := openKeyring(v).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			t := output(cmd, v).Table("keys", "Public Key", "Aliases", "Default").
				Empty("No keys found. Create one with: clan keys generate")
			for _, info := range infos {
				aliases := strings.Join(info.Aliases, ", ")
				if aliases == "" {
					aliases = "-"
				}
				def := ""
				if info.IsDefault {
					def = "*"
				}
				t.AddRow(info.PublicKey, aliases, def)
			}
			return t.Render()
		},
	}
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "show [alias|public-key]",
		Short: "Show key details",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kr := openKeyring(v)

			var name string
			if len(args) > 0 {
				name = args[0]
			} else if name = v.GetString("key_name"); name == "" {
				name = keyring.DefaultAlias
			}

			key, err := kr.Load(ctx, name)
			if err != nil {
				return fmt.Errorf("key %q not found: %w", name, err)
			}

			return output(cmd, v).KV("key-details").
				Set("Actor", key.Actor).
				Set("Public Key", key.PublicKey).
				Set("Created At", key.Metadata.CreatedAt.Format(time.RFC3339)).
				Render()
		},
	}
}
