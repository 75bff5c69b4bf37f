// Command stagehandd runs the stagehand daemon in the foreground. It is the
// entrypoint for service managers; interactive use goes through `stagehand start`.
package main

import (
	"context"
	"flag"
	"log"

	"stagehand/internal/config"
	"stagehand/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	logLevel := flag.String("log-level", "", "Override logging.level")
	flag.Parse()

	cfg, resolved, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		ConfigPath: resolved,
		LogLevel:   *logLevel,
	}); err != nil {
		log.Fatalf("stagehandd: %v", err)
	}
}
