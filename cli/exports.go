package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sliverarmory/kmodld"
)

// parseExports reads "name address" lines. Blank lines and lines starting
// with '#' are skipped; addresses take any strconv base prefix.
func parseExports(r io.Reader) ([]kmodld.Symbol, error) {
	var syms []kmodld.Symbol
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("exports line %d: want \"name address\", got %q", line, text)
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("exports line %d: %w", line, err)
		}
		syms = append(syms, kmodld.Symbol{Name: fields[0], Addr: addr})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return syms, nil
}

func loadExportsFile(path string) ([]kmodld.Symbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseExports(f)
}
