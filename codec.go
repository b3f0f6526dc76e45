package devsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	sbufio "github.com/sagernet/sing/common/bufio"
)

// Delimiter tokens recognized inside helper stdout (spec §4.3, §6).
const (
	tokenEOO             = "!!EOO!!"
	tokenERR             = "!!ERR!!"
	tokenSentinel        = "!!__SENTINEL__!!"
	tokenJSONDecodeError = "!!JSONDecodeError!!"
	tokenSimpleAutoComp  = "!!SIMPLE_AUTO_COMP!!" // 20 chars, checked by len below
)

func init() {
	if len(tokenSimpleAutoComp) != 20 {
		panic("devsession: tokenSimpleAutoComp must be exactly 20 chars")
	}
}

// requestRecord is the single line of JSON written to the helper's stdin
// for every operation (spec §4.3, §6).
type requestRecord struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

func encodeRequest(command string, args map[string]any) ([]byte, error) {
	if args == nil {
		args = map[string]any{}
	}
	line, err := json.Marshal(requestRecord{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("devsession: encode request %q: %w", command, err)
	}
	return append(line, '\n'), nil
}

// writeRequestLine writes an already-newline-terminated JSON line to the
// helper's stdin. When the writer supports vectored I/O (normal for an
// os.Pipe-backed stdin) the header-less single-record line is still split
// into a two-element vector so the payload and its delimiter are flushed
// in one syscall — the same pattern the teacher uses to write a frame
// header and its payload as one vectored write, here repurposed for a
// bare JSON line plus its trailing newline.
func writeRequestLine(w io.Writer, line []byte) (int, error) {
	if len(line) == 0 {
		return 0, nil
	}
	payload := line[:len(line)-1]
	newline := line[len(line)-1:]

	bw, ok := sbufio.CreateVectorisedWriter(w)
	if ok {
		n, err := sbufio.WriteVectorised(bw, [][]byte{payload, newline})
		return n, err
	}
	return w.Write(line)
}

// hasToken reports whether token appears anywhere in buf.
func hasToken(buf []byte, token string) bool {
	return bytes.Contains(buf, []byte(token))
}

// stripToken removes every occurrence of token from buf.
func stripToken(buf []byte, token string) []byte {
	if !hasToken(buf, token) {
		return buf
	}
	return bytes.ReplaceAll(buf, []byte(token), nil)
}

// cutAtEOO reports whether the EOO terminator is present and, if so,
// returns the bytes preceding it with the terminator and everything after
// it discarded.
func cutAtEOO(buf []byte) (payload []byte, found bool) {
	idx := bytes.Index(buf, []byte(tokenEOO))
	if idx < 0 {
		return nil, false
	}
	return buf[:idx], true
}

// cleanPayload strips every delimiter token from a payload that has already
// been cut at !!EOO!!, guaranteeing delimiter purity (spec §8 property 4).
func cleanPayload(buf []byte) []byte {
	buf = stripToken(buf, tokenERR)
	buf = stripToken(buf, tokenSentinel)
	buf = stripToken(buf, tokenJSONDecodeError)
	return buf
}

// trimCRLF trims a single trailing \r\n or \n.
func trimCRLF(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}

// readUntilEOO reads from r until the !!EOO!! terminator is seen, returning
// everything that preceded it. Used by the one-shot scanPorts flow, which
// has no operation queue or state machine to hand the bytes to (spec §4.5).
func readUntilEOO(ctx context.Context, r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf, []byte(tokenEOO)); idx >= 0 {
				return buf[:idx], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// isWaitingForPyboardNotice matches the post-reset listen-phase noise lines
// that must be skipped (spec §4.3): lines containing both "Waiting" and
// "seconds for pyboard".
func isWaitingForPyboardNotice(line string) bool {
	return bytes.Contains([]byte(line), []byte("Waiting")) && bytes.Contains([]byte(line), []byte("seconds for pyboard"))
}
