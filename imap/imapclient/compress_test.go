package imapclient

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/neomutt/goimap/imap"
)

// byteBufSocket is a minimal imap.Socket over two in-memory buffers,
// used to drive deflateSocket's flate.Reader/flate.Writer pair without
// a real connection.
type byteBufSocket struct {
	out bytes.Buffer // everything Write sends, still deflate-compressed
	in  *bytes.Reader
}

func (s *byteBufSocket) ReadLine() ([]byte, error) { return nil, errors.New("not used") }

func (s *byteBufSocket) ReadRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.in, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *byteBufSocket) Write(buf []byte) error {
	_, err := s.out.Write(buf)
	return err
}

func (s *byteBufSocket) Poll(time.Duration) (bool, error) { return false, nil }
func (s *byteBufSocket) Close() error                     { return nil }

func TestDeflateSocketWritesCompressedBytes(t *testing.T) {
	under := &byteBufSocket{in: bytes.NewReader(nil)}
	ds := newDeflateSocket(under)

	if err := ds.Write([]byte("a0001 NOOP\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fr := flate.NewReader(bytes.NewReader(under.out.Bytes()))
	defer fr.Close()
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if string(got) != "a0001 NOOP\r\n" {
		t.Fatalf("roundtrip = %q", got)
	}
}

func TestDeflateSocketReadsCompressedLine(t *testing.T) {
	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := fw.Write([]byte("* OK compressed greeting\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	under := &byteBufSocket{in: bytes.NewReader(compressed.Bytes())}
	ds := newDeflateSocket(under)

	line, err := ds.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if string(line) != "* OK compressed greeting" {
		t.Fatalf("line = %q", line)
	}
}

// TestCompressRequiresCapability confirms Compress refuses to switch
// without the server having advertised COMPRESS=DEFLATE, rather than
// silently sending the command anyway.
func TestCompressRequiresCapability(t *testing.T) {
	c, _ := connectGreeting(t, "* OK test server\r\n", Options{})
	if err := c.Compress(context.Background()); err == nil {
		t.Fatalf("expected error without COMPRESS=DEFLATE advertised")
	}
}

func TestCompressSwapsSocketOnSuccess(t *testing.T) {
	c, sock := connectGreeting(t, "* OK test server\r\n", Options{})
	sock.lines = [][]byte{
		[]byte("* CAPABILITY IMAP4rev1 COMPRESS=DEFLATE"),
		[]byte("a0000 OK CAPABILITY completed"),
	}
	if err := c.refreshCapability(context.Background()); err != nil {
		t.Fatalf("refreshCapability: %v", err)
	}
	sock.lines = [][]byte{[]byte("a0001 OK COMPRESS active")}

	if err := c.Compress(context.Background()); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, ok := c.sock.(*deflateSocket); !ok {
		t.Fatalf("expected connection socket to be swapped for a deflateSocket")
	}
	if len(sock.writes) != 1 || !strings.Contains(sock.writes[0], "COMPRESS DEFLATE") {
		t.Fatalf("writes = %q", sock.writes)
	}
}
