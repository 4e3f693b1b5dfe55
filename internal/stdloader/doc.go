// Package stdloader is the reference decoder served by imgjail-loader.
//
// It covers JPEG through jpegn, PNG and GIF through the standard library,
// and BMP, TIFF and WebP through golang.org/x/image. Still images are
// decoded when the document opens so the reported dimensions already
// account for EXIF orientation. Animated GIFs are composited frame by
// frame and always delivered as R8g8b8a8.
package stdloader
