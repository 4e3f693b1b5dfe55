/*
Package imgjail decodes untrusted images in sandboxed worker processes.

Every load starts a fresh decoder process for the document's format,
isolated with bubblewrap, flatpak-spawn, namespaces or a seccomp filter.
The host sends the input as a file descriptor and receives each frame as
a sealed memfd that it maps read-only, so pixel data is never copied
through the channel and a compromised decoder cannot touch it afterwards.

# Usage

	img, err := imgjail.NewLoader(imgjail.PathSource("photo.jpg")).Load(ctx)
	if err != nil {
		return err
	}
	defer img.Close()

	for frame, err := range img.Frames(ctx) {
		if err != nil {
			return err
		}
		use(frame.Width(), frame.Height(), frame.Stride(), frame.Bytes())
		frame.Close()
	}

# Asynchronous use

LoadAsync and NextFrameAsync run the same requests on a goroutine and
deliver results to a Loop, which runs continuations one at a time:

	loop := imgjail.NewLoop()
	defer loop.Close()

	loader.LoadAsync(ctx, loop, func(img *imgjail.Image, err error) {
		...
	})

# Decoders

Decoders are registered in imgjail/conf.d below the XDG data directories:

	# ~/.local/share/imgjail/conf.d/stdloader.toml
	[[decoder]]
	mime_types = ["image/png", "image/jpeg"]
	exec = "/usr/libexec/imgjail/imgjail-loader"
	sandbox = "auto"

Decoder programs are written against the worker package.

# Configuration

DefaultRuntime reads IMGJAIL_* environment variables, for example
IMGJAIL_SANDBOX, IMGJAIL_SANDBOX_FALLBACK, IMGJAIL_REQUEST_TIMEOUT and
IMGJAIL_MEMORY_LIMIT. NewRuntime takes the same configuration plus
options.

# Errors

Failures wrap one of the Err* sentinels in an *Error carrying its Kind:

	if errors.Is(err, imgjail.ErrUnsupportedFormat) {
		...
	}
*/
package imgjail
