// Command chatcli is a terminal client for the chat service with end-to-end
// encrypted rooms.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"securechat/internal/agent"
	"securechat/internal/keystore"
)

type globalFlags struct {
	server     string
	token      string
	keyDir     string
	passphrase string
	verbose    bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "chatcli",
		Short:         "Terminal client for encrypted chat rooms",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if g.verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
		},
	}

	home, _ := os.UserHomeDir()
	cmd.PersistentFlags().StringVar(&g.server, "server", envOr("CHAT_SERVER", "http://localhost:8083"), "chat service base URL")
	cmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("CHAT_TOKEN"), "bearer token (env CHAT_TOKEN)")
	cmd.PersistentFlags().StringVar(&g.keyDir, "keystore", filepath.Join(home, ".securechat"), "directory of the encrypted keystore")
	cmd.PersistentFlags().StringVar(&g.passphrase, "passphrase", os.Getenv("CHAT_KEYSTORE_PASSPHRASE"), "keystore passphrase (env CHAT_KEYSTORE_PASSPHRASE)")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(keygenCmd(g), chatCmd(g))
	return cmd
}

// openAgent loads the keystore for the token's user.
func (g *globalFlags) openAgent() (*agent.Agent, error) {
	if g.token == "" {
		return nil, fmt.Errorf("no token: pass --token or set CHAT_TOKEN")
	}
	if g.passphrase == "" {
		return nil, fmt.Errorf("no keystore passphrase: pass --passphrase or set CHAT_KEYSTORE_PASSPHRASE")
	}
	userID, err := subjectOf(g.token)
	if err != nil {
		return nil, err
	}
	store, err := keystore.OpenFile(g.keyDir, userID, g.passphrase)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	return agent.New(userID, store), nil
}

// subjectOf reads the user id from the token without verifying it; the
// server does the verification.
func subjectOf(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
