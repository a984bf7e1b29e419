package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "syncshell",
	Short: "Serverless peer-to-peer state sync",
	Long:  "Host or join syncshells: trusted peer groups exchanging binary state over direct channels with a deduplicated local cache.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/syncshell/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: ~/.local/share/syncshell)")
	rootCmd.PersistentFlags().String("listen", ":7450", "TCP listen address for peer channels")
	rootCmd.PersistentFlags().String("advertise", "", "address other peers should dial (default: listen address)")
	rootCmd.PersistentFlags().String("peer-name", "", "display name sent to peers")

	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag("advertise", rootCmd.PersistentFlags().Lookup("advertise"))
	viper.BindPFlag("peer_name", rootCmd.PersistentFlags().Lookup("peer-name"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SYNCSHELL")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("sweep_grace", 5*time.Minute)
	viper.SetDefault("staleness", 10*time.Minute)
	viper.SetDefault("retention", 24*time.Hour)
	viper.SetDefault("gossip_interval", 30*time.Second)

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncshell")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "syncshell")
	}
	return ".syncshell"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "syncshell")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "syncshell")
	}
	return ".syncshell"
}
