package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
)

var _rootCmdOpts struct {
	cfgFile string
	debug   bool
}

var rootCmd = &cobra.Command{
	Use:   "smarther-bridge",
	Short: "Bridge Legrand/BTicino Smarther v2 thermostats into a home automation platform",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the top level command processor
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger(nil).Error(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.smarther-bridge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_rootCmdOpts.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("legrand-clientid", "", "oauth Client ID from the Legrand developer portal")
	rootCmd.PersistentFlags().String("legrand-clientsecret", "", "oauth Client Secret from the Legrand developer portal")

	errPanic(viper.GetViper().BindPFlag("legrand.client-id", rootCmd.PersistentFlags().Lookup("legrand-clientid")))
	errPanic(viper.GetViper().BindPFlag("legrand.client-secret", rootCmd.PersistentFlags().Lookup("legrand-clientsecret")))
}

func initConfig() {
	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			logging.Logger(nil).Error(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".smarther-bridge")
	}

	viper.SetEnvPrefix("SMARTHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Logger(nil).Debugf("Using config file: %s", viper.ConfigFileUsed())
	}

	if _rootCmdOpts.debug {
		viper.Set("logging.level", "debug")
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}
