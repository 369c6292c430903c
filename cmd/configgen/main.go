package main

import (
	"context"
	"flag"
	"log"

	"github.com/danmuck/taskd/internal/config"
)

const defaultPath = "cmd/taskd/config.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(context.Background(), *input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated taskd config at %s (listen=%s workers=%d)", *input, cfg.ListenAddr, cfg.Workers)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote taskd config template to %s", *output)
}
