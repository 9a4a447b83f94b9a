package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "motctl",
	Short: "closed-loop AC motor speed controller",
}

var (
	configPath   string
	portOverride string
	simMode      bool
	setpointRPM  float64
	chipName     string
	logLevel     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warning, error")
}

func setLogLevel() {
	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", logLevel)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
