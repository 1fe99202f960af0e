package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/switchyardhq/switchyard/controlplane/bus"
)

// sseReader decodes the server's event stream frame by frame. Comment
// lines (keep-alives) are skipped.
type sseReader struct {
	scanner *bufio.Scanner

	// lastID tracks the newest event id seen, resent as Last-Event-ID on
	// reconnect.
	lastID int64
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseReader{scanner: sc}
}

// next blocks until a full event frame arrives. io.EOF means the stream
// ended.
func (r *sseReader) next() (bus.Event, error) {
	var data strings.Builder
	sawData := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if !sawData {
				continue // frame was only comments or an id
			}
			var ev bus.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				// Skip undecodable frames rather than killing the stream.
				data.Reset()
				sawData = false
				continue
			}
			if ev.ID > r.lastID {
				r.lastID = ev.ID
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			sawData = true
		default:
			// event: and id: lines carry nothing the JSON body lacks.
		}
	}
	if err := r.scanner.Err(); err != nil {
		return bus.Event{}, err
	}
	return bus.Event{}, io.EOF
}
