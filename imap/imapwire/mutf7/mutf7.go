// Package mutf7 implements the modified UTF-7 mailbox-name encoding
// from RFC 3501 section 5.1.3 (based on the original UTF-7 of RFC
// 2152). There is no ecosystem library for this narrow, IMAP-only
// variant, so it is adapted from the teacher's imapparser/utf7mod,
// reshaped around string Encode/Decode instead of byte-slice
// appenders so it can satisfy imap.NameCodec directly.
package mutf7

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

var ErrInvalid = errors.New("mutf7: invalid modified UTF-7")

const encodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var b64 = base64.NewEncoding(encodeAlphabet).WithPadding(base64.NoPadding)

// Codec implements imap.NameCodec for modified UTF-7.
type Codec struct{}

func (Codec) Encode(name string) (string, error) {
	out, err := appendEncode(nil, []byte(name))
	return string(out), err
}

func (Codec) Decode(wire string) (string, error) {
	out, err := appendDecode(nil, []byte(wire))
	return string(out), err
}

func appendDecode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		if c != '&' {
			dst = append(dst, c)
			continue
		}
		i := bytes.IndexByte(src, '-')
		if i == -1 {
			return nil, ErrInvalid
		}
		if i == 0 {
			src = src[1:]
			dst = append(dst, '&')
			continue
		}
		scratch := make([]byte, b64.DecodedLen(i))
		n, err := b64.Decode(scratch, src[:i])
		src = src[i+1:]
		if err != nil {
			return nil, fmt.Errorf("mutf7: decode: %w", err)
		}
		scratch = scratch[:n]
		if len(scratch)%2 == 1 {
			return nil, ErrInvalid
		}
		for len(scratch) > 0 {
			r := rune(scratch[0])<<8 | rune(scratch[1])
			scratch = scratch[2:]
			if utf16.IsSurrogate(r) {
				if len(scratch) < 2 {
					return nil, ErrInvalid
				}
				r2 := rune(scratch[0])<<8 | rune(scratch[1])
				scratch = scratch[2:]
				r = utf16.DecodeRune(r, r2)
			}
			dst = appendRune(dst, r)
		}
	}
	return dst, nil
}

func appendRune(slice []byte, c rune) []byte {
	var b [4]byte
	return append(slice, b[:utf8.EncodeRune(b[:], c)]...)
}

func appendEncode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		r, _ := utf8.DecodeRune(src)
		if r == '&' {
			dst = append(dst, '&', '-')
			src = src[1:]
			continue
		} else if r < utf8.RuneSelf {
			dst = append(dst, byte(r))
			src = src[1:]
			continue
		}
		scratch := make([]byte, 0, 64)
		for len(src) > 0 {
			r, sz := utf8.DecodeRune(src)
			if r < utf8.RuneSelf {
				break
			}
			src = src[sz:]
			if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
				scratch = append(scratch, byte(r1>>8), byte(r1))
				r = r2
			}
			scratch = append(scratch, byte(r>>8), byte(r))
		}

		b64len := b64.EncodedLen(len(scratch))
		dst = append(dst, '&')
		dst = append(dst, make([]byte, b64len)...)
		b64.Encode(dst[len(dst)-b64len:], scratch)
		dst = append(dst, '-')
	}
	return dst, nil
}
