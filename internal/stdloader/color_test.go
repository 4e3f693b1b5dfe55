package stdloader

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/imgjail/worker"
)

var testProfile = bytes.Repeat([]byte("icc-profile-"), 50)

func pngChunk(kind string, body []byte) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, uint32(len(body)))
	b.WriteString(kind)
	b.Write(body)
	crc := crc32.NewIEEE()
	crc.Write([]byte(kind))
	crc.Write(body)
	_ = binary.Write(&b, binary.BigEndian, crc.Sum32())
	return b.Bytes()
}

func iccpChunk(t *testing.T, method byte, icc []byte) []byte {
	t.Helper()
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, err := zw.Write(icc)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return pngChunk("iCCP", append([]byte{'s', 'R', 'G', 'B', 0, method}, z.Bytes()...))
}

// afterIHDR splices chunks between the header chunk and the image data
func afterIHDR(data []byte, chunks ...[]byte) []byte {
	const ihdrEnd = 8 + 8 + 13 + 4
	out := bytes.Clone(data[:ihdrEnd])
	for _, c := range chunks {
		out = append(out, c...)
	}
	return append(out, data[ihdrEnd:]...)
}

func app2(seq, count int, chunk []byte) []byte {
	body := append(append(bytes.Clone(jpegICCTag), byte(seq), byte(count)), chunk...)
	seg := []byte{0xff, 0xe2, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(body)+2))
	return append(seg, body...)
}

// afterSOI splices segments right after the start marker
func afterSOI(data []byte, segments ...[]byte) []byte {
	out := bytes.Clone(data[:2])
	for _, s := range segments {
		out = append(out, s...)
	}
	return append(out, data[2:]...)
}

func riffChunk(kind string, body []byte) []byte {
	out := []byte(kind)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	if len(body)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func webpFile(chunks ...[]byte) []byte {
	var body []byte
	for _, c := range chunks {
		body = append(body, c...)
	}
	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)+4))
	out = append(out, "WEBP"...)
	return append(out, body...)
}

func TestEmbeddedColor(t *testing.T) {
	img := solid(4, 3, color.NRGBA{R: 90, G: 60, B: 30, A: 255})
	plainPNG := encode(t, func(w io.Writer) error { return png.Encode(w, img) })
	plainJPEG := encode(t, func(w io.Writer) error { return jpeg.Encode(w, img, nil) })

	tests := []struct {
		name     string
		mimeType string
		data     []byte
		icc      []byte
		cicp     []uint8
	}{
		{
			name:     "png iccp and cicp",
			mimeType: "image/png",
			data:     afterIHDR(plainPNG, iccpChunk(t, 0, testProfile), pngChunk("cICP", []byte{9, 16, 0, 1})),
			icc:      testProfile,
			cicp:     []uint8{9, 16, 0, 1},
		},
		{
			name:     "png without color chunks",
			mimeType: "image/png",
			data:     plainPNG,
		},
		{
			name:     "broken png metadata is ignored",
			mimeType: "image/png",
			data:     afterIHDR(plainPNG, iccpChunk(t, 1, testProfile), pngChunk("cICP", []byte{1, 2})),
		},
		{
			name:     "jpeg profile split over segments",
			mimeType: "image/jpeg",
			data:     afterSOI(plainJPEG, app2(2, 2, testProfile[300:]), app2(1, 2, testProfile[:300])),
			icc:      testProfile,
		},
		{
			name:     "jpeg with a missing segment",
			mimeType: "image/jpeg",
			data:     afterSOI(plainJPEG, app2(1, 2, testProfile[:300])),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := open(t, tt.mimeType, tt.data)
			info := doc.Info()
			assert.Equal(t, tt.icc, info.ICCProfile)
			assert.Equal(t, tt.cicp, info.CICP)

			frame, _ := next(t, doc)
			assert.Equal(t, uint32(4), frame.Width)
		})
	}
}

func TestReadColorErrors(t *testing.T) {
	img := solid(2, 2, color.NRGBA{A: 255})
	plainPNG := encode(t, func(w io.Writer) error { return png.Encode(w, img) })
	plainJPEG := encode(t, func(w io.Writer) error { return jpeg.Encode(w, img, nil) })

	truncated := bytes.Clone(plainPNG[:8])
	truncated = binary.BigEndian.AppendUint32(truncated, 1<<30)
	truncated = append(truncated, "IHDR"...)

	tests := []struct {
		name     string
		mimeType string
		data     []byte
		tooLarge bool
	}{
		{"png signature", "image/png", []byte("GIF89a"), false},
		{"png truncated chunk", "image/png", truncated, false},
		{"png compression method", "image/png", afterIHDR(plainPNG, iccpChunk(t, 3, testProfile)), false},
		{"png cicp length", "image/png", afterIHDR(plainPNG, pngChunk("cICP", []byte{1})), false},
		{"png oversized profile", "image/png", afterIHDR(plainPNG, iccpChunk(t, 0, make([]byte, worker.MaxICCProfile+1))), true},
		{"jpeg duplicate segment", "image/jpeg", afterSOI(plainJPEG, app2(1, 2, []byte("a")), app2(1, 2, []byte("b"))), false},
		{"jpeg segment count changes", "image/jpeg", afterSOI(plainJPEG, app2(1, 2, []byte("a")), app2(2, 3, []byte("b"))), false},
		{"jpeg truncated segment", "image/jpeg", []byte{0xff, 0xd8, 0xff, 0xe2, 0xff, 0xff, 0}, false},
		{"webp header", "image/webp", []byte("RIFF\x00\x00\x00\x00WAVE"), false},
		{"webp truncated chunk", "image/webp", webpFile([]byte("ICCP\xff\xff\x00\x00")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readColor(tt.mimeType, tt.data)
			require.Error(t, err)
			if tt.tooLarge {
				assert.ErrorIs(t, err, errProfileTooLarge)
			}
		})
	}
}

func TestWebPICC(t *testing.T) {
	vp8x := riffChunk("VP8X", make([]byte, 10))
	image := riffChunk("VP8L", []byte{0x2f, 0, 0, 0, 0})

	tests := []struct {
		name     string
		data     []byte
		expected []byte
	}{
		{"extended with profile", webpFile(vp8x, riffChunk("ICCP", []byte("odd")), image), []byte("odd")},
		{"padding after an odd chunk", webpFile(riffChunk("XYZW", []byte{1}), riffChunk("ICCP", testProfile)), testProfile},
		{"simple lossless", webpFile(image), nil},
		{"profile after image data is ignored", webpFile(image, riffChunk("ICCP", []byte("late"))), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			icc, err := webpICC(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, icc)
		})
	}
}

func TestUnknownFormatHasNoColor(t *testing.T) {
	c, err := readColor("image/bmp", []byte("BM"))
	require.NoError(t, err)
	assert.Nil(t, c.icc)
	assert.Nil(t, c.cicp)
}
