package intake

import (
	"errors"
	"fmt"
)

// Parser is a resumable consumer driven by Run. Need declares how many bytes the
// next step requires; Handle receives exactly that many bytes.
type Parser interface {
	Need() int
	Handle(data []byte) error
}

// ParserFunc adapts a fixed step size and a handler into a Parser.
type ParserFunc struct {
	Size int
	Func func(data []byte) error
}

// Need returns the fixed step size
func (p ParserFunc) Need() int { return p.Size }

// Handle calls the wrapped handler
func (p ParserFunc) Handle(data []byte) error { return p.Func(data) }

// Run drives p over buf, parking between steps until the declared number of
// bytes is buffered. It returns nil once the buffer is stopped and the parser's
// error otherwise. A step in flight when the buffer stops is abandoned.
func Run(buf *Buffer, p Parser) error {
	for {
		n := p.Need()
		if n <= 0 {
			return fmt.Errorf("parser requested %d bytes", n)
		}

		data, err := buf.Next(n)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}

		if err := p.Handle(data); err != nil {
			return err
		}
	}
}
