package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/hostlink/internal/logging"
	"github.com/danmuck/hostlink/internal/node"
	"github.com/danmuck/hostlink/internal/service"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "service config file (toml)")
	level := flag.String("log-level", "", "log level override")
	mode := flag.String("mode", "", "processor mode override: registry|echo")
	flag.Parse()

	logging.ConfigureRuntime("linkservice")

	file, fileLevel, err := loadServiceConfig(*path)
	if err != nil {
		fail(err)
	}
	for _, lvl := range []string{fileLevel, *level} {
		if lvl != "" && !logging.SetLevel(lvl) {
			log.Warn().Str("level", lvl).Msg("unknown log level ignored")
		}
	}
	if *mode != "" {
		file.Mode = *mode
	}

	cfg, err := service.ConfigFrom(file)
	if err != nil {
		fail(err)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := node.Run(svc); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "linkservice: %v\n", err)
	os.Exit(1)
}
