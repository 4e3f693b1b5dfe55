package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/internal/logging"
	"github.com/GriffinCanCode/imgjail/internal/stdloader"
	"github.com/GriffinCanCode/imgjail/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := worker.Serve(ctx, stdloader.Decoder{}); err != nil {
		logger, lerr := logging.New(logging.WorkerConfig("error"))
		if lerr == nil {
			logger.Error("decoder worker failed", zap.Error(err))
			logger.Sync()
		}
		stop()
		os.Exit(1)
	}
}
