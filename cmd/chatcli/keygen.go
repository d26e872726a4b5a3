package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"securechat/internal/client"
)

func keygenCmd(g *globalFlags) *cobra.Command {
	var publish bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) your identity keypair",
		Long:  "Create the identity keypair in the encrypted keystore if it does not exist yet and print its public key. With --publish the key is uploaded so room members can seal room keys for you.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openAgent()
			if err != nil {
				return err
			}
			kp, err := a.EnsureKeypair()
			if err != nil {
				return err
			}
			pub := kp.PublicKeyBase64()
			fmt.Fprintln(cmd.OutOrStdout(), pub)

			if !publish {
				return nil
			}
			if err := client.NewKeyDirectory(g.server, g.token).Publish(cmd.Context(), pub); err != nil {
				return fmt.Errorf("publish public key: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "public key published for %s\n", a.UserID())
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "upload the public key to the server")
	return cmd
}
