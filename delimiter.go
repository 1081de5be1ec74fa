package qsmpipe

import (
	"bytes"
	"io"
	"strings"

	"github.com/csimplestring/go-csv/detector"
)

// Delimiters we expect in hand-written tables, most likely first. The detector
// reports its candidates in no particular order.
var preferredDelimiters = []string{"\t", ",", ";", "|"}

// DetermineDelimiter returns the single most likely rune that would delimit the
// values in data, assuming a CSV-like file. Comma is the fallback.
func DetermineDelimiter(data []byte) rune {
	return determineDelimiter(bytes.NewReader(data))
}

func determineDelimiter(r io.Reader) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(r, '"')

	for _, preferred := range preferredDelimiters {
		for _, candidate := range delimiters {
			if candidate == preferred {
				return rune(candidate[0])
			}
		}
	}

	for _, candidate := range delimiters {
		if candidate != "" && strings.TrimSpace(candidate) != "" {
			return rune(candidate[0])
		}
	}

	return ','
}
