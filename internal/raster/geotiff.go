package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/tiff/lzw"
)

var (
	// ErrNotTIFF is returned for input without a classic TIFF header.
	ErrNotTIFF = errors.New("raster: not a TIFF file")
	// ErrUnsupported is returned for valid TIFF features this decoder does not handle.
	ErrUnsupported = errors.New("raster: unsupported TIFF feature")
	// ErrNotGeoreferenced is returned when the file carries no model tie point,
	// pixel scale or transformation.
	ErrNotGeoreferenced = errors.New("raster: missing georeferencing tags")
)

const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGDALNoData          = 42113
)

const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
)

const (
	compressionNone     = 1
	compressionLZW      = 5
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionZip      = 32946

	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3

	planarChunky = 1
	planarPlanar = 2
)

// maxEntryBytes bounds the size of a single tag value read from disk.
const maxEntryBytes = 1 << 30

var typeSizes = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8, dtSByte: 1,
	dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8, dtFloat: 4, dtDouble: 8,
}

type ifdEntry struct {
	typ   uint16
	count int
	raw   []byte
}

type decoder struct {
	r       io.ReaderAt
	bo      binary.ByteOrder
	entries map[uint16]ifdEntry
}

// Open reads the first band of the GeoTIFF at path.
func Open(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raster: %w", err)
	}
	defer f.Close()
	g, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster %s: %w", path, err)
	}
	return g, nil
}

// Decode reads the first image and first band of a classic GeoTIFF.
func Decode(r io.ReaderAt) (*Grid, error) {
	head := make([]byte, 8)
	if err := readFull(r, head, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var bo binary.ByteOrder
	switch string(head[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}
	switch bo.Uint16(head[2:4]) {
	case 42:
	case 43:
		return nil, fmt.Errorf("%w: BigTIFF", ErrUnsupported)
	default:
		return nil, ErrNotTIFF
	}

	d := &decoder{r: r, bo: bo, entries: make(map[uint16]ifdEntry)}
	if err := d.readIFD(int64(bo.Uint32(head[4:8]))); err != nil {
		return nil, err
	}
	return d.decode()
}

func (d *decoder) readIFD(off int64) error {
	var n [2]byte
	if err := readFull(d.r, n[:], off); err != nil {
		return fmt.Errorf("read IFD: %w", err)
	}
	count := int(d.bo.Uint16(n[:]))
	buf := make([]byte, count*12)
	if err := readFull(d.r, buf, off+2); err != nil {
		return fmt.Errorf("read IFD entries: %w", err)
	}
	for i := 0; i < count; i++ {
		e := buf[i*12 : (i+1)*12]
		tag := d.bo.Uint16(e[0:2])
		typ := d.bo.Uint16(e[2:4])
		n := d.bo.Uint32(e[4:8])
		size, known := typeSizes[typ]
		if !known {
			continue
		}
		total := uint64(size) * uint64(n)
		if total > maxEntryBytes {
			return fmt.Errorf("tag %d: value too large", tag)
		}
		var raw []byte
		if total <= 4 {
			raw = append([]byte(nil), e[8:8+total]...)
		} else {
			raw = make([]byte, total)
			if err := readFull(d.r, raw, int64(d.bo.Uint32(e[8:12]))); err != nil {
				return fmt.Errorf("read tag %d: %w", tag, err)
			}
		}
		d.entries[tag] = ifdEntry{typ: typ, count: int(n), raw: raw}
	}
	return nil
}

// uints returns an integer-typed tag value, or nil when absent.
func (d *decoder) uints(tag uint16) []uint64 {
	e, ok := d.entries[tag]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, e.count)
	for i := 0; i < e.count; i++ {
		switch e.typ {
		case dtByte, dtUndefined:
			out = append(out, uint64(e.raw[i]))
		case dtShort:
			out = append(out, uint64(d.bo.Uint16(e.raw[i*2:])))
		case dtLong:
			out = append(out, uint64(d.bo.Uint32(e.raw[i*4:])))
		default:
			return nil
		}
	}
	return out
}

func (d *decoder) firstUint(tag uint16, def uint64) uint64 {
	if v := d.uints(tag); len(v) > 0 {
		return v[0]
	}
	return def
}

func (d *decoder) floats(tag uint16) []float64 {
	e, ok := d.entries[tag]
	if !ok {
		return nil
	}
	out := make([]float64, 0, e.count)
	for i := 0; i < e.count; i++ {
		switch e.typ {
		case dtDouble:
			out = append(out, math.Float64frombits(d.bo.Uint64(e.raw[i*8:])))
		case dtFloat:
			out = append(out, float64(math.Float32frombits(d.bo.Uint32(e.raw[i*4:]))))
		default:
			return nil
		}
	}
	return out
}

func (d *decoder) ascii(tag uint16) (string, bool) {
	e, ok := d.entries[tag]
	if !ok || e.typ != dtASCII {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(string(e.raw), "\x00")), true
}

func (d *decoder) decode() (*Grid, error) {
	width := int(d.firstUint(tagImageWidth, 0))
	height := int(d.firstUint(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, errors.New("raster: missing image dimensions")
	}

	spp := int(d.firstUint(tagSamplesPerPixel, 1))
	bits := int(d.firstUint(tagBitsPerSample, 1))
	format := d.firstUint(tagSampleFormat, sampleFormatUint)
	compression := d.firstUint(tagCompression, compressionNone)
	predictor := d.firstUint(tagPredictor, predictorNone)
	planar := d.firstUint(tagPlanarConfiguration, planarChunky)

	conv, err := sampleConverter(format, bits)
	if err != nil {
		return nil, err
	}
	if predictor != predictorNone && predictor != predictorHorizontal && predictor != predictorFloatingPoint {
		return nil, fmt.Errorf("%w: predictor %d", ErrUnsupported, predictor)
	}
	if planar != planarChunky && planar != planarPlanar {
		return nil, fmt.Errorf("%w: planar configuration %d", ErrUnsupported, planar)
	}

	var (
		chunkW, chunkH  int
		offsets, counts []uint64
		tiled           bool
	)
	if _, ok := d.entries[tagTileWidth]; ok {
		tiled = true
		chunkW = int(d.firstUint(tagTileWidth, 0))
		chunkH = int(d.firstUint(tagTileLength, 0))
		offsets, counts = d.uints(tagTileOffsets), d.uints(tagTileByteCounts)
	} else {
		chunkW = width
		chunkH = int(d.firstUint(tagRowsPerStrip, uint64(height)))
		if chunkH <= 0 || chunkH > height {
			chunkH = height
		}
		offsets, counts = d.uints(tagStripOffsets), d.uints(tagStripByteCounts)
	}
	if chunkW <= 0 || chunkH <= 0 {
		return nil, errors.New("raster: invalid tile dimensions")
	}

	across := (width + chunkW - 1) / chunkW
	down := (height + chunkH - 1) / chunkH
	perBand := across * down
	if len(offsets) < perBand || len(counts) < perBand {
		return nil, fmt.Errorf("raster: expected %d data chunks, found %d", perBand, len(offsets))
	}

	samplesInChunk := spp
	if planar == planarPlanar {
		samplesInChunk = 1
	}
	bps := bits / 8
	rowBytes := chunkW * samplesInChunk * bps

	values := make([]float64, width*height)
	for i := 0; i < perBand; i++ {
		x0 := (i % across) * chunkW
		y0 := (i / across) * chunkH
		rows := min(chunkH, height-y0)
		cols := min(chunkW, width-x0)
		stored := rows
		if tiled {
			stored = chunkH
		}

		raw := make([]byte, counts[i])
		if err := readFull(d.r, raw, int64(offsets[i])); err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		data, err := decompress(compression, raw)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if len(data) < rows*rowBytes {
			return nil, fmt.Errorf("raster: chunk %d truncated (%d of %d bytes)", i, len(data), rows*rowBytes)
		}

		order := d.bo
		for r := 0; r < min(stored, len(data)/rowBytes); r++ {
			row := data[r*rowBytes : (r+1)*rowBytes]
			switch predictor {
			case predictorHorizontal:
				undoHorizontal(row, d.bo, bps, samplesInChunk)
			case predictorFloatingPoint:
				undoFloatingPoint(row, bps, samplesInChunk)
				order = binary.BigEndian
			}
		}

		for r := 0; r < rows; r++ {
			dst := values[(y0+r)*width+x0:]
			for c := 0; c < cols; c++ {
				off := r*rowBytes + c*samplesInChunk*bps
				dst[c] = conv(order, data[off:off+bps])
			}
		}
	}

	bounds, err := d.bounds(width, height)
	if err != nil {
		return nil, err
	}
	grid := &Grid{Width: width, Height: height, Bounds: bounds, Values: values}
	if s, ok := d.ascii(tagGDALNoData); ok && s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			grid.NoData = &v
		}
	}
	return grid, nil
}

// bounds derives the extent as origin + resolution * size, from either the
// model transformation matrix or a tie point with a pixel scale.
func (d *decoder) bounds(width, height int) (BoundingBox, error) {
	var ox, oy, rx, ry float64
	if m := d.floats(tagModelTransformation); len(m) >= 16 {
		ox, oy, rx, ry = m[3], m[7], m[0], m[5]
	} else {
		tie, scale := d.floats(tagModelTiepoint), d.floats(tagModelPixelScale)
		if len(tie) < 6 || len(scale) < 2 {
			return BoundingBox{}, ErrNotGeoreferenced
		}
		rx, ry = scale[0], -scale[1]
		ox = tie[3] - tie[0]*rx
		oy = tie[4] - tie[1]*ry
	}
	x1, y1 := ox, oy
	x2, y2 := ox+rx*float64(width), oy+ry*float64(height)
	b := BoundingBox{
		MinLon: math.Min(x1, x2),
		MinLat: math.Min(y1, y2),
		MaxLon: math.Max(x1, x2),
		MaxLat: math.Max(y1, y2),
	}
	if !(b.MaxLon > b.MinLon) || !(b.MaxLat > b.MinLat) {
		return BoundingBox{}, fmt.Errorf("raster: degenerate extent %+v", b)
	}
	return b, nil
}

type sampleFunc func(bo binary.ByteOrder, b []byte) float64

func sampleConverter(format uint64, bits int) (sampleFunc, error) {
	switch {
	case format == sampleFormatUint && bits == 8:
		return func(_ binary.ByteOrder, b []byte) float64 { return float64(b[0]) }, nil
	case format == sampleFormatUint && bits == 16:
		return func(bo binary.ByteOrder, b []byte) float64 { return float64(bo.Uint16(b)) }, nil
	case format == sampleFormatUint && bits == 32:
		return func(bo binary.ByteOrder, b []byte) float64 { return float64(bo.Uint32(b)) }, nil
	case format == sampleFormatInt && bits == 8:
		return func(_ binary.ByteOrder, b []byte) float64 { return float64(int8(b[0])) }, nil
	case format == sampleFormatInt && bits == 16:
		return func(bo binary.ByteOrder, b []byte) float64 { return float64(int16(bo.Uint16(b))) }, nil
	case format == sampleFormatInt && bits == 32:
		return func(bo binary.ByteOrder, b []byte) float64 { return float64(int32(bo.Uint32(b))) }, nil
	case format == sampleFormatFloat && bits == 32:
		return func(bo binary.ByteOrder, b []byte) float64 {
			return float64(math.Float32frombits(bo.Uint32(b)))
		}, nil
	case format == sampleFormatFloat && bits == 64:
		return func(bo binary.ByteOrder, b []byte) float64 {
			return math.Float64frombits(bo.Uint64(b))
		}, nil
	}
	return nil, fmt.Errorf("%w: sample format %d with %d bits", ErrUnsupported, format, bits)
}

func decompress(compression uint64, raw []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer rc.Close()
		return io.ReadAll(rc)
	case compressionDeflate, compressionZip:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionPackBits:
		return unpackBits(raw)
	}
	return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, compression)
}

func unpackBits(src []byte) ([]byte, error) {
	var dst []byte
	for i := 0; i < len(src); {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, errors.New("packbits: literal run overflows input")
			}
			dst = append(dst, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, errors.New("packbits: missing repeat byte")
			}
			dst = append(dst, bytes.Repeat(src[i:i+1], 1-n)...)
			i++
		}
	}
	return dst, nil
}

// undoHorizontal reverses TIFF predictor 2 on one row of integer samples.
func undoHorizontal(row []byte, bo binary.ByteOrder, bps, stride int) {
	n := len(row) / bps
	switch bps {
	case 1:
		for i := stride; i < n; i++ {
			row[i] += row[i-stride]
		}
	case 2:
		for i := stride; i < n; i++ {
			bo.PutUint16(row[i*2:], bo.Uint16(row[i*2:])+bo.Uint16(row[(i-stride)*2:]))
		}
	case 4:
		for i := stride; i < n; i++ {
			bo.PutUint32(row[i*4:], bo.Uint32(row[i*4:])+bo.Uint32(row[(i-stride)*4:]))
		}
	case 8:
		for i := stride; i < n; i++ {
			bo.PutUint64(row[i*8:], bo.Uint64(row[i*8:])+bo.Uint64(row[(i-stride)*8:]))
		}
	}
}

// undoFloatingPoint reverses TIFF predictor 3. The row is left with each
// sample in big-endian byte order.
func undoFloatingPoint(row []byte, bps, stride int) {
	for i := stride; i < len(row); i++ {
		row[i] += row[i-stride]
	}
	wc := len(row) / bps
	tmp := append([]byte(nil), row...)
	for w := 0; w < wc; w++ {
		for b := 0; b < bps; b++ {
			row[bps*w+b] = tmp[b*wc+w]
		}
	}
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
