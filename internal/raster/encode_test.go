package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"sort"
	"testing"
)

// testTIFF describes a GeoTIFF built in memory for decoder tests.
type testTIFF struct {
	order        binary.ByteOrder
	width        int
	height       int
	bits         int
	format       int
	spp          int
	planar       int
	bands        [][]float64
	compression  int
	predictor    int
	tileSize     int
	rowsPerStrip int
	tiepoint     []float64
	scale        []float64
	transform    []float64
	noData       string
}

type testEntry struct {
	tag   uint16
	typ   uint16
	count int
	data  []byte
}

func (tt testTIFF) build(t *testing.T) []byte {
	t.Helper()
	if tt.order == nil {
		tt.order = binary.LittleEndian
	}
	if tt.spp == 0 {
		tt.spp = 1
	}
	if tt.planar == 0 {
		tt.planar = planarChunky
	}
	if tt.compression == 0 {
		tt.compression = compressionNone
	}
	if tt.predictor == 0 {
		tt.predictor = predictorNone
	}
	bps := tt.bits / 8

	chunkW, chunkH := tt.width, tt.rowsPerStrip
	if chunkH == 0 {
		chunkH = tt.height
	}
	if tt.tileSize > 0 {
		chunkW, chunkH = tt.tileSize, tt.tileSize
	}
	across := (tt.width + chunkW - 1) / chunkW
	down := (tt.height + chunkH - 1) / chunkH

	planes := 1
	samplesInChunk := tt.spp
	if tt.planar == planarPlanar {
		planes = tt.spp
		samplesInChunk = 1
	}

	var chunks [][]byte
	for p := 0; p < planes; p++ {
		for cy := 0; cy < down; cy++ {
			for cx := 0; cx < across; cx++ {
				rows := chunkH
				if tt.tileSize == 0 {
					rows = min(chunkH, tt.height-cy*chunkH)
				}
				rowBytes := chunkW * samplesInChunk * bps
				var chunk []byte
				for r := 0; r < rows; r++ {
					row := make([]byte, 0, rowBytes)
					for c := 0; c < chunkW; c++ {
						for sidx := 0; sidx < samplesInChunk; sidx++ {
							band := sidx
							if tt.planar == planarPlanar {
								band = p
							}
							x, y := cx*chunkW+c, cy*chunkH+r
							v := 0.0
							if x < tt.width && y < tt.height {
								v = tt.bands[band][y*tt.width+x]
							}
							row = append(row, encodeSample(tt.order, tt.bits, tt.format, v)...)
						}
					}
					switch tt.predictor {
					case predictorHorizontal:
						applyHorizontal(row, tt.order, bps, samplesInChunk)
					case predictorFloatingPoint:
						row = applyFloatingPoint(row, tt.order, bps, samplesInChunk)
					}
					chunk = append(chunk, row...)
				}
				if tt.compression == compressionDeflate {
					var buf bytes.Buffer
					zw := zlib.NewWriter(&buf)
					if _, err := zw.Write(chunk); err != nil {
						t.Fatalf("deflate: %v", err)
					}
					if err := zw.Close(); err != nil {
						t.Fatalf("deflate close: %v", err)
					}
					chunk = buf.Bytes()
				}
				chunks = append(chunks, chunk)
			}
		}
	}

	out := make([]byte, 8)
	if tt.order == binary.LittleEndian {
		copy(out, "II")
	} else {
		copy(out, "MM")
	}
	tt.order.PutUint16(out[2:], 42)

	offsets := make([]uint32, len(chunks))
	counts := make([]uint32, len(chunks))
	for i, c := range chunks {
		offsets[i] = uint32(len(out))
		counts[i] = uint32(len(c))
		out = append(out, c...)
	}
	if len(out)%2 == 1 {
		out = append(out, 0)
	}

	entries := []testEntry{
		shortEntry(tt.order, tagImageWidth, tt.width),
		shortEntry(tt.order, tagImageLength, tt.height),
		shortEntry(tt.order, tagBitsPerSample, repeat(tt.bits, tt.spp)...),
		shortEntry(tt.order, tagCompression, tt.compression),
		shortEntry(tt.order, tagSamplesPerPixel, tt.spp),
		shortEntry(tt.order, tagPlanarConfiguration, tt.planar),
		shortEntry(tt.order, tagPredictor, tt.predictor),
		shortEntry(tt.order, tagSampleFormat, repeat(tt.format, tt.spp)...),
	}
	if tt.tileSize > 0 {
		entries = append(entries,
			shortEntry(tt.order, tagTileWidth, tt.tileSize),
			shortEntry(tt.order, tagTileLength, tt.tileSize),
			longEntry(tt.order, tagTileOffsets, offsets),
			longEntry(tt.order, tagTileByteCounts, counts),
		)
	} else {
		entries = append(entries,
			shortEntry(tt.order, tagRowsPerStrip, chunkH),
			longEntry(tt.order, tagStripOffsets, offsets),
			longEntry(tt.order, tagStripByteCounts, counts),
		)
	}
	if tt.tiepoint != nil {
		entries = append(entries, doubleEntry(tt.order, tagModelTiepoint, tt.tiepoint))
	}
	if tt.scale != nil {
		entries = append(entries, doubleEntry(tt.order, tagModelPixelScale, tt.scale))
	}
	if tt.transform != nil {
		entries = append(entries, doubleEntry(tt.order, tagModelTransformation, tt.transform))
	}
	if tt.noData != "" {
		entries = append(entries, testEntry{tag: tagGDALNoData, typ: dtASCII, count: len(tt.noData) + 1, data: append([]byte(tt.noData), 0)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdOffset := len(out)
	tt.order.PutUint32(out[4:], uint32(ifdOffset))
	extra := ifdOffset + 2 + 12*len(entries) + 4

	ifd := make([]byte, 2, 2+12*len(entries)+4)
	tt.order.PutUint16(ifd, uint16(len(entries)))
	var tail []byte
	for _, e := range entries {
		rec := make([]byte, 12)
		tt.order.PutUint16(rec[0:], e.tag)
		tt.order.PutUint16(rec[2:], e.typ)
		tt.order.PutUint32(rec[4:], uint32(e.count))
		if len(e.data) <= 4 {
			copy(rec[8:], e.data)
		} else {
			tt.order.PutUint32(rec[8:], uint32(extra+len(tail)))
			tail = append(tail, e.data...)
			if len(tail)%2 == 1 {
				tail = append(tail, 0)
			}
		}
		ifd = append(ifd, rec...)
	}
	ifd = append(ifd, 0, 0, 0, 0)
	out = append(out, ifd...)
	return append(out, tail...)
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func shortEntry(bo binary.ByteOrder, tag uint16, vals ...int) testEntry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		bo.PutUint16(data[i*2:], uint16(v))
	}
	return testEntry{tag: tag, typ: dtShort, count: len(vals), data: data}
}

func longEntry(bo binary.ByteOrder, tag uint16, vals []uint32) testEntry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		bo.PutUint32(data[i*4:], v)
	}
	return testEntry{tag: tag, typ: dtLong, count: len(vals), data: data}
}

func doubleEntry(bo binary.ByteOrder, tag uint16, vals []float64) testEntry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		bo.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return testEntry{tag: tag, typ: dtDouble, count: len(vals), data: data}
}

func encodeSample(bo binary.ByteOrder, bits, format int, v float64) []byte {
	b := make([]byte, bits/8)
	switch {
	case format == sampleFormatFloat && bits == 32:
		bo.PutUint32(b, math.Float32bits(float32(v)))
	case format == sampleFormatFloat && bits == 64:
		bo.PutUint64(b, math.Float64bits(v))
	case bits == 8:
		b[0] = byte(int64(v))
	case bits == 16:
		bo.PutUint16(b, uint16(int64(v)))
	case bits == 32:
		bo.PutUint32(b, uint32(int64(v)))
	}
	return b
}

func applyHorizontal(row []byte, bo binary.ByteOrder, bps, stride int) {
	n := len(row) / bps
	for i := n - 1; i >= stride; i-- {
		switch bps {
		case 1:
			row[i] -= row[i-stride]
		case 2:
			bo.PutUint16(row[i*2:], bo.Uint16(row[i*2:])-bo.Uint16(row[(i-stride)*2:]))
		case 4:
			bo.PutUint32(row[i*4:], bo.Uint32(row[i*4:])-bo.Uint32(row[(i-stride)*4:]))
		}
	}
}

// applyFloatingPoint encodes predictor 3: samples are rewritten big-endian,
// split into byte planes, then byte-differenced.
func applyFloatingPoint(row []byte, bo binary.ByteOrder, bps, stride int) []byte {
	wc := len(row) / bps
	be := make([]byte, len(row))
	for w := 0; w < wc; w++ {
		s := row[w*bps : (w+1)*bps]
		switch bps {
		case 4:
			binary.BigEndian.PutUint32(be[w*4:], bo.Uint32(s))
		case 8:
			binary.BigEndian.PutUint64(be[w*8:], bo.Uint64(s))
		}
	}
	out := make([]byte, len(row))
	for w := 0; w < wc; w++ {
		for b := 0; b < bps; b++ {
			out[b*wc+w] = be[bps*w+b]
		}
	}
	for i := len(out) - 1; i >= stride; i-- {
		out[i] -= out[i-stride]
	}
	return out
}

func seq(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}
