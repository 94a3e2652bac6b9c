package commands

import (
	"fmt"
	"syscall"

	"fieldsync/internal/ingest"
	contextutils "fieldsync/internal/utils"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// TokenCommands returns the device token commands
func TokenCommands(env *Env) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Device token commands",
	}
	tokenCmd.AddCommand(mintCmd(env))
	return tokenCmd
}

func mintCmd(env *Env) *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token a device presents to the ingest service",
		Long: `Mint a bearer token for a device.

The signing secret is read from auth.token_secret. When it is not configured
and stdin is a terminal, the secret is prompted for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			authCfg := env.Config.Auth
			if authCfg.TokenSecret == "" && term.IsTerminal(int(syscall.Stdin)) {
				fmt.Fprint(cmd.ErrOrStderr(), "Enter token secret: ")
				secret, err := term.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to read token secret: %v", err)
				}
				authCfg.TokenSecret = string(secret)
			}

			authority, err := ingest.NewTokenAuthority(authCfg)
			if err != nil {
				return err
			}
			token, expires, err := authority.Mint(deviceID)
			if err != nil {
				return contextutils.WrapErrorf(err, "failed to mint token for %s", deviceID)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "Token for %s expires %s\n", deviceID, formatTime(expires))
			return nil
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "Device id the token is bound to")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}
