package main

import (
	"flag"
	"os"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/arenabridge/arenabridge/internal/cmd"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/logging"
)

func main() {
	logging.SetupBaseLogger()

	var configPath string
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.jsonc")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	cmd.StartService(cfg, configPath)
}
