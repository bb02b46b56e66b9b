package imapclient

import (
	"bufio"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/neomutt/goimap/imap"
	"github.com/neomutt/goimap/imap/imaptag"
	"github.com/neomutt/goimap/imap/imapwire"
)

// socketReader adapts imap.Socket's literal-read primitive to an
// io.Reader one octet at a time, the minimal shape flate.NewReader
// needs; goimap never puts a socket under heavy compressed traffic
// where this would matter enough to batch.
type socketReader struct{ sock imap.Socket }

func (r socketReader) Read(p []byte) (int, error) {
	b, err := r.sock.ReadRaw(1)
	if err != nil {
		return 0, err
	}
	p[0] = b[0]
	return 1, nil
}

// socketWriter adapts imap.Socket to io.Writer.
type socketWriter struct{ sock imap.Socket }

func (w socketWriter) Write(p []byte) (int, error) {
	if err := w.sock.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// deflateSocket wraps an imap.Socket in a flate.Reader/Writer pair
// once COMPRESS=DEFLATE is negotiated, grounded on the teacher's own
// handling of the same extension (imapserver.go's compress/flate use
// on the server side of this negotiation; here it is the client
// half).
type deflateSocket struct {
	under imap.Socket
	br    *bufio.Reader
	fr    io.ReadCloser
	fw    *flate.Writer
}

func newDeflateSocket(under imap.Socket) *deflateSocket {
	fr := flate.NewReader(socketReader{under})
	return &deflateSocket{
		under: under,
		fr:    fr,
		br:    bufio.NewReader(fr),
		fw:    flate.NewWriter(socketWriter{under}, flate.DefaultCompression),
	}
}

func (d *deflateSocket) ReadLine() ([]byte, error) {
	line, err := d.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return trimCRLF(line), nil
}

func (d *deflateSocket) ReadRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *deflateSocket) Write(buf []byte) error {
	if _, err := d.fw.Write(buf); err != nil {
		return err
	}
	return d.fw.Flush()
}

func (d *deflateSocket) Poll(timeout time.Duration) (bool, error) { return d.under.Poll(timeout) }
func (d *deflateSocket) Close() error                             { return d.fr.Close() }

func trimCRLF(b []byte) []byte {
	b = b[:len(b)-1]
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return b
}

// Compress negotiates COMPRESS=DEFLATE, per SPEC_FULL.md's
// supplemented features: the client half of an extension the teacher
// only implements server-side. Once the tagged OK arrives, every
// subsequent read and write on the connection passes through a
// flate.Reader/flate.Writer pair. It must be called with nothing else
// pipelined, the same requirement spec.md section 6 places on
// STARTTLS: buffered unconsumed bytes from before the switch would
// desync the stream.
func (c *Connection) Compress(ctx context.Context) error {
	if !c.caps.Has("COMPRESS=DEFLATE") {
		return imap.NewError(imap.KindLocal, "", fmt.Errorf("imapclient: server did not advertise COMPRESS=DEFLATE"))
	}
	if err := c.send(ctx, "COMPRESS DEFLATE", imaptag.Single, nil); err != nil {
		return err
	}
	c.sock = newDeflateSocket(c.sock)
	c.sc = imapwire.NewScanner(c.sock)
	c.wr = imapwire.NewWriter(c.sock, c.awaitContinuation)
	return nil
}
