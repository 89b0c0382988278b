package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Lordmau5/Node-Media-Server/internal/auth"
)

var signCmd = &cobra.Command{
	Use:   "sign <stream-path>",
	Short: "Print a signed query for a stream path",
	Long: `Prints the "sign" query argument accepted by the play and publish listeners
when authentication is enabled, e.g. "sign /live/cam --expire 1h".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		streamPath := args[0]

		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = viper.GetString(authSecretKey)
		}
		if secret == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret = cfg.Auth.Secret
		}
		if secret == "" {
			return fmt.Errorf("no secret: pass --secret, set FLV_AUTH_SECRET or auth.secret")
		}

		expire, _ := cmd.Flags().GetDuration("expire")
		sign := auth.Sign(streamPath, secret, time.Now().Add(expire))

		fmt.Fprintf(cmd.OutOrStdout(), "%s.flv?%s\n", streamPath, url.Values{"sign": {sign}}.Encode())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().String("secret", "", "Signing secret (defaults to auth.secret)")
	signCmd.Flags().Duration("expire", time.Hour, "Validity of the signature")
}
