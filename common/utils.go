package common

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trim 0x or 0X prefix off the string.
func Trim0xPrefix(str string) string {
	s := strings.TrimPrefix(str, "0x")
	return strings.TrimPrefix(s, "0X")
}

func Prepend0xPrefix(str string) string {
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		return str
	}
	return "0x" + str
}

// RandBytes32 generates [32]byte with random values
func RandBytes32() [32]byte {
	var b [32]byte
	n, err := rand.Read(b[:])

	if err != nil {
		return [32]byte{}
	}
	if n != 32 {
		return [32]byte{}
	}

	return b
}

func RandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil
	}
	return b
}

// RandHexStr returns n random bytes as hex without prefix, handy as a fake signature.
func RandHexStr(n int) string {
	return hex.EncodeToString(RandBytes(n))
}

// Shorten keeps n characters on both sides of s, for log lines.
func Shorten(s string, n int) string {
	if len(s) <= n*2 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}
