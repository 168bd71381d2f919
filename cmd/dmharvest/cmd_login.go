package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmharvest/internal/auth"
	"dmharvest/internal/logging"
	"dmharvest/internal/prompt"
)

var (
	loginUsername string
	loginPassword string
	loginProxy    string
	loginHeadless bool
)

// loginCmd signs an account in and stores its session
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign an account in and store its session cookies",
	Long: `Opens the sign-in page in a fresh browser context, submits the credentials and
resolves any verification challenge by prompting on the terminal.

The password is prompted for when --password is not given. Proxies are
"host:port" or "host:port:user:pass".

Example:
  dmharvest login -u alice --proxy 10.0.0.1:8080:user:pass`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Account username (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (prompted when empty)")
	loginCmd.Flags().StringVar(&loginProxy, "proxy", "", "HTTP proxy for this account")
	loginCmd.Flags().BoolVar(&loginHeadless, "headless", false, "Run Chrome headless")
	_ = loginCmd.MarkFlagRequired("username")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	console := prompt.NewConsole(os.Stdin, cmd.OutOrStdout())
	password := loginPassword
	if password == "" {
		p, err := console.Secret(ctx, fmt.Sprintf("Password for %s:", loginUsername))
		if err != nil {
			return err
		}
		password = p
	}

	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = loginHeadless
	}
	mgr, shutdown := startBrowser(cfg)
	defer shutdown()

	a := auth.New(mgr, db, authConfig(cfg), logging.Get(logging.CategoryAuth))
	session, err := a.Login(ctx, auth.Credentials{
		Username: loginUsername,
		Password: password,
		Proxy:    strings.TrimSpace(loginProxy),
	}, console.Ask)
	if err != nil {
		return fmt.Errorf("login %s: %w", loginUsername, err)
	}

	logger.Info("login succeeded", zap.String("username", loginUsername), zap.Int("cookies", len(session.Cookies)))
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%d cookies stored)\n", loginUsername, len(session.Cookies))
	return nil
}
