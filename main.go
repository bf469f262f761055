package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 || len(args) > 2 {
		usage()
	}

	// Probe mode: print dimensions only.
	if args[0] == "-i" {
		if len(args) != 2 {
			usage()
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "info error:", err)
			os.Exit(1)
		}
		w, h, err := Info(data)
		if err != nil {
			fmt.Fprintln(os.Stderr, "info error:", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %dx%d\n", args[1], w, h)
		return
	}

	inPath := args[0]
	scale := 1
	if len(args) == 2 {
		s, err := strconv.Atoi(args[1])
		if err != nil || (s != 1 && s != 2 && s != 4) {
			fmt.Fprintln(os.Stderr, "scale must be 1, 2 or 4")
			os.Exit(1)
		}
		scale = s
	}

	base := strings.TrimSuffix(inPath, filepath.Ext(inPath))
	outPath := base + ".565"
	w, h, err := decodeToRaw(inPath, outPath, scale)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode error:", err)
		os.Exit(1)
	}
	fmt.Printf("Decoded %s → %s (%dx%d RGB565)\n", inPath, outPath, w, h)
}

func usage() {
	fmt.Fprint(os.Stderr, "Decode: sped <input.png> [scale 1|2|4]\nProbe:  sped -i <input.png>\n")
	os.Exit(1)
}

// decodeToRaw decodes inPath and writes the rows to outPath as raw
// little-endian RGB565 words, row-major, no header.
func decodeToRaw(inPath, outPath string, scale int) (int, int, error) {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return 0, 0, err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, err
	}
	defer out.Close()

	bw := bufio.NewWriter(out)
	outW, outH := 0, 0
	var scratch []byte
	var werr error
	err = Decode(data, scale, func(y, width int, row []uint16) {
		if werr != nil {
			return
		}
		if len(scratch) < 2*width {
			scratch = make([]byte, 2*width)
		}
		packRow565(scratch, row)
		if _, e := bw.Write(scratch[:2*width]); e != nil {
			werr = e
		}
		outW, outH = width, y+1
	})
	if err != nil {
		return 0, 0, err
	}
	if werr != nil {
		return 0, 0, werr
	}
	return outW, outH, bw.Flush()
}
