package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/hostlink/internal/host"
	"github.com/danmuck/hostlink/internal/logging"
	"github.com/danmuck/hostlink/internal/node"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "host config file (toml)")
	level := flag.String("log-level", "", "log level override")
	address := flag.String("address", "", "service endpoint address override")
	flag.Parse()

	logging.ConfigureRuntime("linkhost")

	file, fileLevel, err := loadHostConfig(*path)
	if err != nil {
		fail(err)
	}
	for _, lvl := range []string{fileLevel, *level} {
		if lvl != "" && !logging.SetLevel(lvl) {
			log.Warn().Str("level", lvl).Msg("unknown log level ignored")
		}
	}
	if *address != "" {
		file.Address = *address
	}

	cfg, err := host.ConfigFrom(file)
	if err != nil {
		fail(err)
	}
	svc, err := host.NewService(cfg)
	if err != nil {
		fail(err)
	}
	if err := node.Run(svc); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "linkhost: %v\n", err)
	os.Exit(1)
}
