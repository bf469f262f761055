// SPED (Smallest PNG Embedded Decoder) is a streaming PNG decoder for
// memory-constrained targets. It parses chunks, inflates the IDAT data
// through a 32 KiB sliding window, reconstructs scanline filters and
// emits RGB565 rows one at a time through a caller-supplied callback,
// with optional 1/2 and 1/4 downscaling by box-filter averaging.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// PNG file signature.
var pngSig = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// dictSize is the DEFLATE window size. Inflated bytes are staged in a
// circular buffer of this size before scanline reassembly, so no more
// than one window of decompressed data is ever held.
const dictSize = 32768

// PNG color types.
const (
	colorGray      = 0
	colorRGB       = 2
	colorPaletted  = 3
	colorGrayAlpha = 4
	colorRGBA      = 6
)

// ErrSignature reports input that does not start with the PNG signature.
var ErrSignature = errors.New("sped: not a png file")

// header carries the validated IHDR fields plus the derived scanline layout.
type header struct {
	width  int
	height int
	depth  int // bit depth: 8 or 16
	ctype  int // color type: 0, 2, 3, 4 or 6
	bpc    int // bytes per channel: depth / 8
	bpp    int // bytes per pixel, also the filter distance
	stride int // raw scanline length excluding the filter byte
}

// Info reads the image dimensions without decoding. It validates the
// signature and the IHDR prefix only, so files the full decoder rejects
// (interlaced, exotic depths) still report their size.
func Info(data []byte) (width, height int, err error) {
	if len(data) < 33 || !bytes.Equal(data[:8], pngSig) {
		return 0, 0, ErrSignature
	}
	if be32(data[8:]) != 13 || string(data[12:16]) != "IHDR" {
		return 0, 0, fmt.Errorf("sped: first chunk is not a valid IHDR")
	}
	return int(be32(data[16:])), int(be32(data[20:])), nil
}

// RowFunc receives one decoded row: its index, its width in pixels and
// the RGB565 pixels. The slice is reused for every row and is only
// valid until the callback returns.
type RowFunc func(y, width int, row []uint16)

// Decode decodes the PNG held in data, emitting rows through fn. See
// Decoder.Decode.
func Decode(data []byte, scale int, fn RowFunc) error {
	d := NewDecoder()
	return d.Decode(data, scale, fn)
}

// parseHeader validates the signature and the IHDR chunk and derives the
// scanline layout. IHDR must be the first chunk, with a declared length
// of 13.
func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < 33 || !bytes.Equal(data[:8], pngSig) {
		return h, ErrSignature
	}
	if be32(data[8:]) != 13 || string(data[12:16]) != "IHDR" {
		return h, fmt.Errorf("sped: first chunk is not a valid IHDR")
	}
	ihdr := data[16:]
	w := be32(ihdr)
	ht := be32(ihdr[4:])
	if w == 0 || ht == 0 || w > 1<<31-1 || ht > 1<<31-1 {
		return h, fmt.Errorf("sped: invalid dimensions %dx%d", w, ht)
	}
	h.width = int(w)
	h.height = int(ht)
	h.depth = int(ihdr[8])
	h.ctype = int(ihdr[9])
	if ihdr[10] != 0 {
		return h, fmt.Errorf("sped: unsupported compression method %d", ihdr[10])
	}
	if ihdr[11] != 0 {
		return h, fmt.Errorf("sped: unsupported filter method %d", ihdr[11])
	}
	if ihdr[12] != 0 {
		return h, fmt.Errorf("sped: interlaced images are not supported")
	}
	if h.depth != 8 && h.depth != 16 {
		return h, fmt.Errorf("sped: unsupported bit depth %d", h.depth)
	}
	h.bpc = h.depth / 8
	switch h.ctype {
	case colorGray:
		h.bpp = 1 * h.bpc
	case colorRGB:
		h.bpp = 3 * h.bpc
	case colorPaletted:
		if h.depth == 16 {
			return h, fmt.Errorf("sped: 16-bit palette images do not exist")
		}
		h.bpp = 1
	case colorGrayAlpha:
		h.bpp = 2 * h.bpc
	case colorRGBA:
		h.bpp = 4 * h.bpc
	default:
		return h, fmt.Errorf("sped: unsupported color type %d", h.ctype)
	}
	h.stride = h.width * h.bpp
	return h, nil
}

// chunkIndex is the result of one pass over the chunk stream: the
// palette, the palette alpha entries and the ordered IDAT payloads.
type chunkIndex struct {
	pal  [256][3]uint8
	palA [256]uint8
	idat [][]byte
}

// scanChunks walks the chunk stream once, collecting PLTE, tRNS and
// every IDAT payload. CRCs are not checked: the deployment target is a
// display that will show garbage either way. The walk stops at IEND or
// when the next chunk header would run past the end of input.
func scanChunks(data []byte, ctype int) (*chunkIndex, error) {
	ix := &chunkIndex{}
	for i := range ix.palA {
		ix.palA[i] = 255 // entries beyond the tRNS chunk stay opaque
	}

	p := 8 + 25 // signature + IHDR (4 length + 4 type + 13 payload + 4 crc)
	for p+12 <= len(data) {
		clen := int(be32(data[p:]))
		if p+12+clen > len(data) {
			break
		}
		typ := string(data[p+4 : p+8])
		if typ == "IEND" {
			break
		}
		payload := data[p+8 : p+8+clen]
		switch typ {
		case "PLTE":
			n := min(clen/3, 256)
			for i := 0; i < n; i++ {
				ix.pal[i] = [3]uint8{payload[i*3], payload[i*3+1], payload[i*3+2]}
			}
		case "tRNS":
			if ctype == colorPaletted {
				copy(ix.palA[:], payload[:min(clen, 256)])
			}
		case "IDAT":
			ix.idat = append(ix.idat, payload)
		}
		p += 12 + clen
	}
	if len(ix.idat) == 0 {
		return nil, fmt.Errorf("sped: no IDAT chunks")
	}
	return ix, nil
}

// pixel extracts the RGB triple at column x of a reconstructed
// scanline. 16-bit channels keep only the high byte, which is exact for
// RGB565 output.
func (ix *chunkIndex) pixel(cur []byte, x, ctype, bpc int) (r, g, b uint8) {
	if bpc == 1 {
		switch ctype {
		case colorGray:
			v := cur[x]
			return v, v, v
		case colorRGB:
			return cur[x*3], cur[x*3+1], cur[x*3+2]
		case colorPaletted:
			p := &ix.pal[cur[x]]
			return p[0], p[1], p[2]
		case colorGrayAlpha:
			v := cur[x*2]
			return v, v, v
		default: // colorRGBA
			return cur[x*4], cur[x*4+1], cur[x*4+2]
		}
	}
	switch ctype {
	case colorGray:
		v := cur[x*2]
		return v, v, v
	case colorRGB:
		return cur[x*6], cur[x*6+2], cur[x*6+4]
	case colorGrayAlpha:
		v := cur[x*4]
		return v, v, v
	default: // colorRGBA
		return cur[x*8], cur[x*8+2], cur[x*8+4]
	}
}

// unfilter reverses the per-row PNG filter in place. bpp is the filter
// distance: the left neighbor of byte i is cur[i-bpp], already
// reconstructed. All additions are modulo 256.
func unfilter(filter byte, cur, prev []byte, bpp int) {
	switch filter {
	case 1: // Sub
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case 2: // Up
		for i, v := range prev {
			cur[i] += v
		}
	case 3: // Average
		for i := range cur {
			var a byte
			if i >= bpp {
				a = cur[i-bpp]
			}
			cur[i] += byte((int(a) + int(prev[i])) >> 1)
		}
	case 4: // Paeth
		for i := range cur {
			var a, c byte
			if i >= bpp {
				a = cur[i-bpp]
				c = prev[i-bpp]
			}
			cur[i] += paeth(a, prev[i], c)
		}
	}
}

// inflater is the streaming decompressor the decode loop pulls from.
// fill writes as many inflated bytes into dst as are currently
// available and reports end of stream via done.
type inflater interface {
	fill(dst []byte) (n int, done bool, err error)
}

// zlibInflater adapts a zlib stream to the inflater seam.
type zlibInflater struct{ r io.Reader }

func (z zlibInflater) fill(dst []byte) (int, bool, error) {
	for {
		n, err := z.r.Read(dst)
		switch {
		case err == io.EOF:
			return n, true, nil
		case err != nil:
			return n, false, fmt.Errorf("sped: inflate: %w", err)
		}
		if n > 0 {
			return n, false, nil
		}
	}
}

// Decoder reuses its work buffers and decompressor state across Decode
// calls to reduce allocations. It is not safe for concurrent use.
type Decoder struct {
	cur  []byte   // scanline being reconstructed
	prev []byte   // previous reconstructed scanline
	dict []byte   // circular staging window for inflated bytes
	out  []uint16 // one emitted row of RGB565 pixels
	acc  []uint16 // per-channel block sums while downscaling

	zr io.ReadCloser // zlib stream, reset for every decode
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes a whole PNG held in data and emits reconstructed rows
// through fn, in ascending order with no gaps, converted to RGB565.
// scale must be 1, 2 or 4; for 2 and 4 each emitted pixel is the
// box-filter average of a scale×scale input block and trailing
// fractional blocks are discarded, so the output is
// (width/scale)×(height/scale).
//
// Supported input: non-interlaced PNG, color types 0/2/3/4/6, bit
// depths 8 and 16 (16-bit channels are truncated to their high byte).
// Alpha is parsed but not composited; the output is opaque.
//
// The row slice passed to fn is owned by the decoder and reused; it is
// valid only until fn returns. Scanline buffers are sized width×bpp and
// come off the heap, so width is bounded by available memory rather
// than a fixed ceiling.
func (d *Decoder) Decode(data []byte, scale int, fn RowFunc) error {
	if scale != 1 && scale != 2 && scale != 4 {
		return fmt.Errorf("sped: invalid scale %d", scale)
	}
	h, err := parseHeader(data)
	if err != nil {
		return err
	}
	outW := h.width / scale
	outH := h.height / scale
	if outW == 0 || outH == 0 {
		return fmt.Errorf("sped: %dx%d is too small for 1/%d scaling", h.width, h.height, scale)
	}
	ix, err := scanChunks(data, h.ctype)
	if err != nil {
		return err
	}

	d.ensure(h.stride, outW, scale)
	inf, err := d.reset(&idatReader{chunks: ix.idat})
	if err != nil {
		return err
	}
	return d.run(h, ix, scale, outW, inf, fn)
}

// ensure sizes the work buffers for one decode and clears the ones
// whose previous contents would leak into the first rows.
func (d *Decoder) ensure(stride, outW, scale int) {
	if cap(d.cur) < stride {
		d.cur = make([]byte, stride)
		d.prev = make([]byte, stride)
	} else {
		d.cur = d.cur[:stride]
		d.prev = d.prev[:stride]
		clear(d.cur)
		clear(d.prev) // row -1 is all zeros
	}
	if d.dict == nil {
		d.dict = make([]byte, dictSize)
	}
	if cap(d.out) < outW {
		d.out = make([]uint16, outW)
	} else {
		d.out = d.out[:outW]
	}
	if scale > 1 {
		if cap(d.acc) < outW*3 {
			d.acc = make([]uint16, outW*3)
		} else {
			d.acc = d.acc[:outW*3]
			clear(d.acc)
		}
	}
}

// reset points the zlib stream at a fresh IDAT sequence. Exactly one
// decompressor instance spans every IDAT payload of a decode; across
// decodes the instance is reused via zlib.Resetter.
func (d *Decoder) reset(r io.Reader) (inflater, error) {
	if d.zr == nil {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("sped: inflate: %w", err)
		}
		d.zr = zr
	} else if err := d.zr.(zlib.Resetter).Reset(r, nil); err != nil {
		return nil, fmt.Errorf("sped: inflate: %w", err)
	}
	return zlibInflater{d.zr}, nil
}

// run drives the three decode stages in lockstep: pull inflated bytes
// into the dictionary window, gather them into scanlines, reverse the
// per-row filter and push pixels out. The loop ends when the last row
// has been emitted; trailing inflated bytes, if any, are never read.
func (d *Decoder) run(h header, ix *chunkIndex, scale, outW int, inf inflater, fn RowFunc) error {
	dictOfs := 0 // next write position inside the circular window
	slPos := 0   // 0 = awaiting the filter byte, else 1 + gathered bytes
	filter := byte(0)
	y := 0
	outRow := 0

	for y < h.height {
		// Fill the largest contiguous span before the window wraps.
		n, done, err := inf.fill(d.dict[dictOfs:])
		if err != nil {
			return err
		}
		chunk := d.dict[dictOfs : dictOfs+n]
		dictOfs = (dictOfs + n) & (dictSize - 1)

		for len(chunk) > 0 && y < h.height {
			if slPos == 0 {
				filter = chunk[0]
				if filter > 4 {
					return fmt.Errorf("sped: unknown scanline filter %d", filter)
				}
				chunk = chunk[1:]
				slPos = 1
				continue
			}
			take := copy(d.cur[slPos-1:], chunk)
			chunk = chunk[take:]
			slPos += take

			if slPos > h.stride {
				unfilter(filter, d.cur, d.prev, h.bpp)
				if scale == 1 {
					d.emitDirect(h, ix, y, fn)
				} else {
					outRow = d.emitScaled(h, ix, scale, outW, y, outRow, fn)
				}
				d.cur, d.prev = d.prev, d.cur
				clear(d.cur)
				y++
				slPos = 0
			}
		}
		if done {
			break
		}
	}
	if y < h.height {
		return fmt.Errorf("sped: pixel stream ended at row %d of %d", y, h.height)
	}
	return nil
}

// emitDirect converts one reconstructed scanline to RGB565 and emits it.
func (d *Decoder) emitDirect(h header, ix *chunkIndex, y int, fn RowFunc) {
	for x := 0; x < h.width; x++ {
		r, g, b := ix.pixel(d.cur, x, h.ctype, h.bpc)
		d.out[x] = rgb565(r, g, b)
	}
	fn(y, h.width, d.out)
}

// emitScaled folds one scanline into the running block sums and emits
// an averaged output row once a full band of scale input rows is in.
// Columns past outW*scale never contribute.
func (d *Decoder) emitScaled(h header, ix *chunkIndex, scale, outW, y, outRow int, fn RowFunc) int {
	limit := outW * scale
	for x := 0; x < limit; x++ {
		r, g, b := ix.pixel(d.cur, x, h.ctype, h.bpc)
		o := x / scale * 3
		d.acc[o] += uint16(r)
		d.acc[o+1] += uint16(g)
		d.acc[o+2] += uint16(b)
	}
	if y%scale != scale-1 {
		return outRow
	}
	div := uint16(scale * scale)
	for ox := 0; ox < outW; ox++ {
		d.out[ox] = rgb565(
			uint8(d.acc[ox*3]/div),
			uint8(d.acc[ox*3+1]/div),
			uint8(d.acc[ox*3+2]/div))
	}
	fn(outRow, outW, d.out)
	clear(d.acc)
	return outRow + 1
}
