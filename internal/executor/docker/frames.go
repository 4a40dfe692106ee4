package docker

import (
	"io"
	"iter"
	"strings"
)

// frames decodes Docker's multiplexed log stream into (stream, line) pairs.
// Each frame is an 8-byte header (stream type, 3 padding bytes, big-endian
// size) followed by the payload.
func frames(r io.Reader) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		header := make([]byte, 8)
		for {
			if _, err := io.ReadFull(r, header); err != nil {
				return
			}
			size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
			if size == 0 {
				continue
			}
			payload := make([]byte, size)
			if _, err := io.ReadFull(r, payload); err != nil {
				return
			}

			stream := "stdout"
			if header[0] == 2 {
				stream = "stderr"
			}
			for _, line := range splitLines(string(payload)) {
				if !yield(stream, line) {
					return
				}
			}
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
