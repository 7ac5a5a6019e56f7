package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tendant/simple-file/pkg/simplefile/config"
)

func main() {
	open := func(ctx context.Context) (*config.Built, error) {
		cfg, err := config.Load(config.WithEnv(""), config.WithMetrics(false))
		if err != nil {
			return nil, err
		}
		return cfg.Build(ctx)
	}

	if err := newRootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
