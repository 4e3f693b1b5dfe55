// Command imgjail-info decodes images through imgjail and prints what the
// sandboxed decoders report about them.
//
// Usage:
//
//	imgjail-info photo.jpg animation.gif
//	imgjail-info --frames 0 --json *.gif
//	imgjail-info --sandbox bwrap --concurrency 8 ~/Pictures/*.png
//	imgjail-info formats
//
// Configuration beyond the flags comes from IMGJAIL_* environment
// variables. Colored output is used only when stdout is a terminal.
//
// Exit status is 1 when any file failed to decode and 2 on bad usage.
package main
