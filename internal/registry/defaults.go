package registry

// defaultMimeTypes are the formats covered by the stock decoder set
var defaultMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/tiff",
	"image/x-tga",
	"image/vnd-ms.dds",
	"image/x-dds",
	"image/bmp",
	"image/vnd.microsoft.icon",
	"image/vnd.radiance",
	"image/x-exr",
	"image/x-portable-bitmap",
	"image/x-portable-graymap",
	"image/x-portable-pixmap",
	"image/x-portable-anymap",
	"image/x-qoi",
	"image/avif",
	"image/heif",
	"image/jxl",
	"image/svg+xml",
	"image/svg+xml-compressed",
}

// DefaultMimeTypes returns the formats the stock decoders support
func DefaultMimeTypes() []string {
	return append([]string(nil), defaultMimeTypes...)
}
