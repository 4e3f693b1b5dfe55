// Package logging provides structured logging using uber/zap.
//
// Two output modes are supported:
//   - Production: JSON lines, suitable for relaying worker output
//   - Development: console output, colored when stderr is a terminal
//
// Host components derive named children (sandbox, session, registry) so
// every line can be traced back to its layer. Decoder processes log JSON
// to stderr; the sandbox manager relays those lines at debug level tagged
// with the worker ID.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	logger = logger.Named("sandbox")
//	logger.Info("worker ready", zap.String("worker_id", id.String()))
//	logger.Security("frame exceeds shared buffer", zap.Int("pid", pid))
package logging
