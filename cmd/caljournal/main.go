package main

import (
	"context"
	"log"
	"os"

	"github.com/szaharov/caljournal/internal/buildinfo"
	"github.com/szaharov/caljournal/internal/cli"
	"github.com/szaharov/caljournal/internal/config"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	app.Run(ctx)
}
