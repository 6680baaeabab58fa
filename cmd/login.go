package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/smarther-bridge/internal/pkg/lgoauth"
	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
)

var _loginCmdOpts struct {
	stateFile   string
	authCode    string
	redirectURL string
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize the bridge against a Legrand account",
	Long: `Without --code, prints the URL the user must visit to authorize the
bridge. With --code, exchanges the authorization code for tokens and
writes them to the account state file.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doLogin(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("legrand.client-id", "legrand.client-secret", "login.state-file")
	},
}

func init() {
	loginCmd.Flags().StringVar(&_loginCmdOpts.stateFile, "state-file", "", "File to store the account tokens")
	loginCmd.Flags().StringVar(&_loginCmdOpts.authCode, "code", "", "Authorization code from the Legrand consent redirect")
	loginCmd.Flags().StringVar(&_loginCmdOpts.redirectURL, "redirect-url", "http://localhost/callback", "Redirect URL registered with the Legrand application")

	errPanic(viper.GetViper().BindPFlag("login.state-file", loginCmd.Flags().Lookup("state-file")))
	errPanic(viper.GetViper().BindPFlag("login.code", loginCmd.Flags().Lookup("code")))
	errPanic(viper.GetViper().BindPFlag("login.redirect-url", loginCmd.Flags().Lookup("redirect-url")))

	rootCmd.AddCommand(loginCmd)
}

func doLogin() error {
	stateFile := viper.GetString("login.state-file")
	code := viper.GetString("login.code")
	redirectURL := viper.GetString("login.redirect-url")

	state := lgoauth.NewState().
		WithClientID(viper.GetString("legrand.client-id")).
		WithClientSecret(viper.GetString("legrand.client-secret"))

	if code == "" {
		fmt.Printf("Visit the following URL to authorize the bridge, then re-run with --code:\n\n%s\n",
			state.AuthCodeURL(redirectURL))
		return nil
	}

	// Bind the state to its file before the exchange so the tokens land
	// there.
	if err := state.Save(stateFile); err != nil {
		return err
	}

	tokens := lgoauth.NewManager(&state)
	if err := tokens.AuthCodeFlow(context.Background(), code, redirectURL); err != nil {
		return err
	}

	logging.Logger(nil).Infof("account authorized, tokens saved to %s", stateFile)
	return nil
}
