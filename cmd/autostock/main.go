package main

import (
	"flag"
	"os"

	"github.com/mirinaemaru/cautostock-sub000/internal/bootstrap"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		logger, _ := logging.NewZapLogger("INFO")
		logger.Fatal("bootstrap failed", "error", err)
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
