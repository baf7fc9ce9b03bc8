package p2p

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

type Command string

const (
	CmdTowerRequest Command = "tower-request"
	CmdTowerConfirm Command = "tower-request-complete"
)

// maxCommandLen bounds a command line, terminator included.
const maxCommandLen = 64

var ErrProtocol = errors.New("protocol error")

// EncodeCommand frames cmd as a single newline-terminated line.
func EncodeCommand(cmd Command) []byte {
	return append([]byte(cmd), '\n')
}

// ReadCommand reads one command line. A final line without terminator is
// accepted. io.EOF means the peer closed its side cleanly between commands.
func ReadCommand(r *bufio.Reader) (Command, error) {
	return readCommand(r, "")
}

// readCommand is ReadCommand that also takes a bare, unterminated expect as
// a complete command once it is all that has arrived. Peers that write the
// token without a newline and then wait for the answer would otherwise
// stall until the stream deadline.
func readCommand(r *bufio.Reader, expect Command) (Command, error) {
	for {
		if _, err := r.Peek(r.Buffered() + 1); err != nil {
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				return "", fmt.Errorf("%w: command longer than %d bytes", ErrProtocol, maxCommandLen)
			case errors.Is(err, io.EOF):
				rest, _ := r.Peek(r.Buffered())
				cmd := Command(bytes.TrimSpace(rest))
				_, _ = r.Discard(len(rest))
				if cmd == "" {
					return "", io.EOF
				}
				return cmd, nil
			default:
				return "", err
			}
		}

		buf, _ := r.Peek(r.Buffered())
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			cmd := Command(bytes.TrimSpace(buf[:i]))
			_, _ = r.Discard(i + 1)
			return cmd, nil
		}
		if expect != "" && Command(buf) == expect {
			_, _ = r.Discard(len(buf))
			return expect, nil
		}
	}
}

func newCommandReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, maxCommandLen)
}
