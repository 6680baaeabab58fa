package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/smarther-bridge/internal/pkg/lgoauth"
	"github.com/jake-scott/smarther-bridge/internal/pkg/smartherapi"
)

var _plantsCmdOpts struct {
	stateFile string
	asJSON    bool
}

var plantsCmd = &cobra.Command{
	Use:   "plants",
	Short: "List the plants and thermostat modules of an account",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doPlants(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("legrand.client-secret", "plants.state-file")
	},
}

func init() {
	plantsCmd.Flags().StringVar(&_plantsCmdOpts.stateFile, "state-file", "", "Account token state file")
	plantsCmd.Flags().BoolVar(&_plantsCmdOpts.asJSON, "json", false, "Return the listing as JSON")

	errPanic(viper.GetViper().BindPFlag("plants.state-file", plantsCmd.Flags().Lookup("state-file")))
	errPanic(viper.GetViper().BindPFlag("plants.json", plantsCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(plantsCmd)
}

type plantListing struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Modules []smartherapi.Module `json:"modules"`
}

func doPlants() error {
	state := lgoauth.NewState().WithClientSecret(viper.GetString("legrand.client-secret"))
	if err := state.Load(viper.GetString("plants.state-file")); err != nil {
		return err
	}

	tokens := lgoauth.NewManager(&state)
	token, err := tokens.GetValidToken(context.Background())
	if err != nil {
		return err
	}

	api := smartherapi.NewLiveClient()
	if base := viper.GetString("legrand.base-url"); base != "" {
		api = api.WithBaseURL(base)
	}
	cli := api.WithAccessToken(token)

	plants, err := cli.Plants()
	if err != nil {
		return err
	}

	listings := make([]plantListing, 0, len(plants))
	for _, p := range plants {
		mods, err := cli.Topology(p.ID)
		if err != nil {
			return err
		}

		listings = append(listings, plantListing{ID: p.ID, Name: p.Name, Modules: mods})
	}

	if viper.GetBool("plants.json") {
		b, err := json.MarshalIndent(listings, "", "    ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	for _, l := range listings {
		fmt.Printf("%s (%s)\n", l.Name, l.ID)
		for _, m := range l.Modules {
			fmt.Printf("  - %s (%s) [%s]\n", m.Name, m.ID, m.Device)
		}
	}

	return nil
}
