// Package nmea generates the NMEA-0183 positioning sentences the emulated
// repeater reports to its clients.
//
// Only the $GPGGA (fix data) sentence is produced. Position fields are fixed;
// the emulator does no satellite math. A [Feed] is stateless and safe for
// concurrent use.
package nmea

import (
	"fmt"
	"strings"
	"time"
)

// StaticSentence is the fix reported by [Static]: 12:35:19 UTC,
// 48°07.038' N 11°31.000' E, GPS fix, 8 satellites, HDOP 0.9,
// 545.4 m altitude, 46.9 m geoid separation.
const StaticSentence = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

// Prefix starts every sentence a [Feed] returns.
const Prefix = "$GPGGA,"

// Feed produces positioning sentences.
type Feed interface {
	// NextSentence returns a complete sentence including its "*hh" checksum
	// and, if configured, a line terminator.
	NextSentence() string
}

// LineEnding terminates a sentence on the wire.
type LineEnding string

const (
	// LineEndingNone emits sentences back to back with no terminator.
	LineEndingNone LineEnding = "none"

	// LineEndingCRLF appends "\r\n" as NMEA-0183 serial links do.
	LineEndingCRLF LineEnding = "crlf"
)

// IsValid reports whether l is a recognised line ending.
func (l LineEnding) IsValid() bool {
	return l == LineEndingNone || l == LineEndingCRLF
}

func (l LineEnding) suffix() string {
	if l == LineEndingCRLF {
		return "\r\n"
	}
	return ""
}

// Static always returns [StaticSentence].
type Static struct {
	LineEnding LineEnding
}

// NextSentence implements [Feed].
func (s Static) NextSentence() string {
	return StaticSentence + s.LineEnding.suffix()
}

// fixFields are the GGA fields following the UTC time.
const fixFields = "4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"

// Clock reports the static position stamped with the current UTC time.
type Clock struct {
	LineEnding LineEnding

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NextSentence implements [Feed].
func (c Clock) NextSentence() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	body := "GPGGA," + now().UTC().Format("150405") + "," + fixFields
	return Build(body) + c.LineEnding.suffix()
}

// Build frames body (the text between '$' and '*') as a full sentence.
func Build(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

// Checksum returns the XOR of every byte in body.
func Checksum(body string) byte {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return c
}

// Valid reports whether s is a framed sentence whose checksum matches.
// A trailing "\r\n" is ignored.
func Valid(s string) bool {
	s = strings.TrimSuffix(s, "\r\n")
	if len(s) < 4 || s[0] != '$' {
		return false
	}
	star := strings.LastIndexByte(s, '*')
	if star < 0 || len(s)-star != 3 {
		return false
	}
	var want byte
	if _, err := fmt.Sscanf(s[star+1:], "%02X", &want); err != nil {
		return false
	}
	return Checksum(s[1:star]) == want
}
