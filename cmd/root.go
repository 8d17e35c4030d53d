package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/garbagewatch/garbagewatch-go/cmd/dashboard"
	"github.com/garbagewatch/garbagewatch-go/cmd/upload"
	"github.com/garbagewatch/garbagewatch-go/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "garbagewatch",
		Short: "GarbageWatch-Go municipal garbage reporting agent",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		dashboard.Command(settings),
		upload.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Flags take precedence over the config file.
		return viper.Unmarshal(settings)
	}

	return rootCmd
}

// setupFlags defines global flags and binds them to viper keys.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	flags := cmd.PersistentFlags()

	flags.BoolP("debug", "d", settings.Debug, "Enable debug output")
	flags.String("backend", settings.Backend.BaseURL, "Backend REST base URL")
	flags.String("realtime", settings.Backend.RealtimeURL, "Backend realtime websocket URL")
	flags.String("email", settings.Backend.Email, "Backend account email")
	flags.String("password", settings.Backend.Password, "Backend account password")

	bindings := map[string]string{
		"debug":    "debug",
		"backend":  "backend.baseurl",
		"realtime": "backend.realtimeurl",
		"email":    "backend.email",
		"password": "backend.password",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			cobra.CheckErr(err)
		}
	}
}
