package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/isgasho/wosim/internal/auth"
	"github.com/isgasho/wosim/internal/config"
)

func tokenCmd() *cobra.Command {
	var (
		name   string
		ttl    time.Duration
		secret string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token",
		Long: `Mint a signed token for a development server.

Without --secret or WOSIM_TOKEN_SECRET a new secret is generated and
printed; start the server with the same secret.

Examples:
  wosim token --name pilot
  wosim token --name pilot --ttl 1h --secret 9f86d081...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if cmd.Flags().Changed("secret") {
					c.TokenSecret = secret
				}
			})
			if err != nil {
				return err
			}
			if cfg.TokenSecret == "" {
				if cfg.TokenSecret, err = auth.GenerateSecret(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "secret: %s\n", cfg.TokenSecret)
			}
			issuer, err := auth.NewIssuerHex(cfg.TokenSecret)
			if err != nil {
				return err
			}
			token, err := issuer.Mint(name, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token:  %s\n", token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Player name (2-16 characters)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "Hex encoded signing secret")
	cmd.MarkFlagRequired("name")

	return cmd
}
