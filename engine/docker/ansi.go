package docker

import (
	"io"
	"regexp"
)

// regex to match ANSI escape codes (e.g., color codes, cursor moves)
const ansi = "[][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

// stripANSI filters escape sequences out of container output before
// it reaches the job log.
func stripANSI(w io.Writer) io.Writer {
	return &ansiStrippingWriter{underlying: w}
}

type ansiStrippingWriter struct {
	underlying io.Writer
}

func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	clean := ansiRe.ReplaceAll(p, []byte{})
	if _, err := w.underlying.Write(clean); err != nil {
		return 0, err
	}
	return len(p), nil
}
