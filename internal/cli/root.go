package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/regbeacon/regbeacon/internal/model"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "regbeacon",
	Short: "Regbeacon - regulatory evidence-to-rule pipeline",
	Long: `Regbeacon monitors regulatory source endpoints, captures immutable
evidence snapshots, extracts quotable facts, and composes them into
versioned, citation-backed compliance rules.

Every published rule traces back to exact quotes in fetched evidence.
Rules that cannot be substantiated stay out of the published set;
disagreeing candidates become conflicts that must be resolved first.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("regbeacon v0.1.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.regbeacon/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(home + "/.regbeacon")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match REGBEACON_*
	viper.SetEnvPrefix("REGBEACON")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges defaults, the config file and environment
func loadConfig() *model.Config {
	cfg := model.DefaultConfig()

	if v := viper.GetString("store.driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("store.postgres_url"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := viper.GetString("queue.driver"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := viper.GetString("queue.redis_url"); v != "" {
		cfg.Queue.RedisURL = v
	}
	if v := viper.GetString("serve.addr"); v != "" {
		cfg.Serve.Addr = v
	}
	if v := viper.GetString("llm.provider"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := viper.GetString("llm.model"); v != "" {
		cfg.LLM.Model = v
	}
	if v := viper.GetString("llm.base_url"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if cfg.LLM.Provider != "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := viper.GetInt("scheduler.max_per_run"); v > 0 {
		cfg.Scheduler.MaxPerRun = v
	}
	if v := viper.GetInt("scheduler.workers"); v > 0 {
		cfg.Scheduler.Workers = v
	}
	if v := viper.GetDuration("scheduler.interval"); v > 0 {
		cfg.Scheduler.Interval = v
	}

	cfg.Output.Verbose = verbose
	return cfg
}
