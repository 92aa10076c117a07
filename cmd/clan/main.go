package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/clan/cmd/clan/audit"
	"github.com/gezibash/clan/cmd/clan/board"
	"github.com/gezibash/clan/cmd/clan/council"
	"github.com/gezibash/clan/cmd/clan/keys"
	"github.com/gezibash/clan/cmd/clan/members"
	"github.com/gezibash/clan/cmd/clan/requests"
	"github.com/gezibash/clan/cmd/clan/rules"
	"github.com/gezibash/clan/cmd/clan/serve"
	"github.com/gezibash/clan/cmd/clan/session"
	"github.com/gezibash/clan/cmd/clan/trust"
	"github.com/gezibash/clan/internal/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "clan",
		Short:         "Group governance: councils, rules, approvals and device trust",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	config.BindFlags(rootCmd, v)
	rootCmd.PersistentFlags().StringP("scope", "s", "", "group the command operates on")
	_ = v.BindPFlag("scope", rootCmd.PersistentFlags().Lookup("scope"))

	rootCmd.AddCommand(
		keys.Entrypoint(v),
		council.Entrypoint(v),
		rules.Entrypoint(v),
		requests.Entrypoint(v),
		members.Entrypoint(v),
		audit.Entrypoint(v),
		trust.Entrypoint(v),
		session.Entrypoint(v),
		serve.Entrypoint(v),
		board.Entrypoint(v),
		newCheckCmd(v),
		newWhoamiCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
