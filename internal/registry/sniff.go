package registry

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffLen is how much of the input head Sniff looks at
const SniffLen = 3072

// extensionTypes covers image formats the system mime database often
// lacks
var extensionTypes = map[string]string{
	".avif": "image/avif",
	".dds":  "image/x-dds",
	".exr":  "image/x-exr",
	".hdr":  "image/vnd.radiance",
	".heic": "image/heif",
	".heif": "image/heif",
	".ico":  "image/vnd.microsoft.icon",
	".jxl":  "image/jxl",
	".pbm":  "image/x-portable-bitmap",
	".pgm":  "image/x-portable-graymap",
	".pnm":  "image/x-portable-anymap",
	".ppm":  "image/x-portable-pixmap",
	".qoi":  "image/x-qoi",
	".svgz": "image/svg+xml-compressed",
	".tga":  "image/x-tga",
}

// Sniff detects the mime type of an input from its first bytes. When the
// content is inconclusive, or looks like TIFF which many raw camera
// formats are built on, the file name's extension decides.
func Sniff(head []byte, name string) string {
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}

	detected := mimetype.Detect(head)
	sniffed := Normalize(detected.String())

	weak := detected.Is("application/octet-stream") || detected.Is("text/plain") || sniffed == "image/tiff"
	if weak && name != "" {
		if byExt := ByExtension(name); byExt != "" {
			return byExt
		}
	}
	return sniffed
}

// ByExtension maps a file name to a mime type, or returns an empty string
func ByExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	return Normalize(mime.TypeByExtension(ext))
}
