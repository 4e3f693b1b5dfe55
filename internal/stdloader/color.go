package stdloader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/GriffinCanCode/imgjail/worker"
)

var (
	errProfileTooLarge = fmt.Errorf("color profile exceeds %d bytes", worker.MaxICCProfile)

	jpegICCTag   = []byte("ICC_PROFILE\x00")
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
)

// colorInfo is the color metadata embedded in a file
type colorInfo struct {
	icc  []byte
	cicp []uint8
}

// readColor extracts embedded color metadata. Formats without a known
// container yield nothing.
func readColor(mimeType string, data []byte) (colorInfo, error) {
	switch mimeType {
	case "image/jpeg":
		icc, err := jpegICC(data)
		return colorInfo{icc: icc}, err
	case "image/png":
		return pngColor(data)
	case "image/webp":
		icc, err := webpICC(data)
		return colorInfo{icc: icc}, err
	default:
		return colorInfo{}, nil
	}
}

// jpegICC joins the numbered APP2 ICC_PROFILE segments found before the
// first scan
func jpegICC(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return nil, errors.New("missing JPEG start marker")
	}

	var (
		chunks [][]byte
		total  int
	)
scan:
	for i := 2; i+4 <= len(data); {
		if data[i] != 0xff {
			return nil, fmt.Errorf("expected marker at offset %d", i)
		}
		marker := data[i+1]
		switch {
		case marker == 0xff:
			// fill byte
			i++
			continue
		case marker == 0x01 || marker == 0xd8 || (marker >= 0xd0 && marker <= 0xd7):
			i += 2
			continue
		case marker == 0xda || marker == 0xd9:
			break scan
		}

		length := int(binary.BigEndian.Uint16(data[i+2:]))
		if length < 2 || i+2+length > len(data) {
			return nil, fmt.Errorf("truncated segment %#x", marker)
		}
		segment := data[i+4 : i+2+length]
		i += 2 + length

		if marker != 0xe2 || len(segment) < len(jpegICCTag)+2 || !bytes.HasPrefix(segment, jpegICCTag) {
			continue
		}
		seq, count := int(segment[12]), int(segment[13])
		if chunks == nil {
			chunks = make([][]byte, count)
		}
		if count != len(chunks) || seq < 1 || seq > count || chunks[seq-1] != nil {
			return nil, fmt.Errorf("inconsistent ICC_PROFILE segment %d of %d", seq, count)
		}
		chunks[seq-1] = segment[14:]
		if total += len(segment) - 14; total > worker.MaxICCProfile {
			return nil, errProfileTooLarge
		}
	}

	if chunks == nil {
		return nil, nil
	}
	icc := make([]byte, 0, total)
	for i, chunk := range chunks {
		if chunk == nil {
			return nil, fmt.Errorf("missing ICC_PROFILE segment %d of %d", i+1, len(chunks))
		}
		icc = append(icc, chunk...)
	}
	return icc, nil
}

// pngColor reads the iCCP and cICP chunks, which precede the image data
func pngColor(data []byte) (colorInfo, error) {
	var c colorInfo
	if !bytes.HasPrefix(data, pngSignature) {
		return c, errors.New("missing PNG signature")
	}

	for i := len(pngSignature); i+8 <= len(data); {
		length := uint64(binary.BigEndian.Uint32(data[i:]))
		kind := string(data[i+4 : i+8])
		end := uint64(i) + 12 + length
		if end > uint64(len(data)) {
			return c, fmt.Errorf("truncated %s chunk", kind)
		}
		body := data[i+8 : int(end)-4]

		switch kind {
		case "IDAT", "IEND":
			return c, nil
		case "iCCP":
			icc, err := inflateICC(body)
			if err != nil {
				return c, err
			}
			c.icc = icc
		case "cICP":
			if len(body) != 4 {
				return c, fmt.Errorf("cICP chunk has %d bytes", len(body))
			}
			c.cicp = bytes.Clone(body)
		}
		i = int(end)
	}
	return c, nil
}

// inflateICC decodes an iCCP body: a profile name, a compression method
// and a zlib stream
func inflateICC(body []byte) ([]byte, error) {
	name, rest, ok := bytes.Cut(body, []byte{0})
	if !ok || len(name) == 0 || len(name) > 79 || len(rest) == 0 {
		return nil, errors.New("malformed iCCP chunk")
	}
	if rest[0] != 0 {
		return nil, fmt.Errorf("iCCP compression method %d", rest[0])
	}

	zr, err := zlib.NewReader(bytes.NewReader(rest[1:]))
	if err != nil {
		return nil, fmt.Errorf("iCCP: %w", err)
	}
	defer zr.Close()

	icc, err := io.ReadAll(io.LimitReader(zr, worker.MaxICCProfile+1))
	if err != nil {
		return nil, fmt.Errorf("iCCP: %w", err)
	}
	if len(icc) > worker.MaxICCProfile {
		return nil, errProfileTooLarge
	}
	return icc, nil
}

// webpICC returns the ICCP chunk of an extended WebP file
func webpICC(data []byte) ([]byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, errors.New("missing WebP header")
	}

	for i := uint64(12); i+8 <= uint64(len(data)); {
		kind := string(data[i : i+4])
		size := uint64(binary.LittleEndian.Uint32(data[i+4:]))
		end := i + 8 + size
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("truncated %s chunk", kind)
		}

		switch kind {
		case "ICCP":
			if size > worker.MaxICCProfile {
				return nil, errProfileTooLarge
			}
			return bytes.Clone(data[i+8 : end]), nil
		case "VP8 ", "VP8L", "ANIM":
			return nil, nil
		}
		// chunks are padded to even sizes
		i = end + end&1
	}
	return nil, nil
}
