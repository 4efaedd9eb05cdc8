package main

import (
	"os"

	"github.com/KyberNetwork/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.WithFields(logger.Fields{"error": err}).Error("command failed")
		os.Exit(1)
	}
}
