package registry

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniff(t *testing.T) {
	var pngData bytes.Buffer
	require.NoError(t, png.Encode(&pngData, image.NewGray(image.Rect(0, 0, 2, 2))))

	jpegHead := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	gifHead := []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00")
	tiffHead := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}

	tests := []struct {
		name     string
		head     []byte
		file     string
		expected string
	}{
		{"png content wins over extension", pngData.Bytes(), "photo.jpg", "image/png"},
		{"jpeg", jpegHead, "", "image/jpeg"},
		{"gif", gifHead, "x.bin", "image/gif"},
		{"unknown bytes use the extension", []byte{0x00, 0x01, 0x02, 0x03}, "picture.qoi", "image/x-qoi"},
		{"text uses the extension", []byte("P3\n2 2\n255\n"), "a.PPM", "image/x-portable-pixmap"},
		{"tiff defers to a raw extension", tiffHead, "shot.heic", "image/heif"},
		{"tiff without a known extension", tiffHead, "shot.xyz123", "image/tiff"},
		{"unknown everything", []byte{0x00, 0x01}, "", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sniff(tt.head, tt.file))
		})
	}
}

func TestSniffOnlyLooksAtHead(t *testing.T) {
	data := append(bytes.Repeat([]byte{0}, SniffLen), []byte("GIF89a")...)
	assert.Equal(t, "application/octet-stream", Sniff(data, ""))
}
