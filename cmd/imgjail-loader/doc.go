// Command imgjail-loader is the reference decoder worker.
//
// It is never run by hand. The imgjail host spawns it inside a sandbox
// with one end of a SOCK_SEQPACKET channel as stdin, and it serves the
// decode protocol for a single document until told to terminate.
//
// Registration:
//
//	# /usr/share/imgjail/conf.d/stdloader.toml
//	[[decoder]]
//	name = "stdloader"
//	mime_types = ["image/jpeg", "image/png", "image/gif", "image/bmp", "image/tiff", "image/webp"]
//	exec = "/usr/libexec/imgjail/imgjail-loader"
//
// Signals:
//   - SIGINT, SIGTERM: stop serving and exit
package main
