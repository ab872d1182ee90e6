package link

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// MAC is a 6-byte hardware address identifying a peer on the link.
type MAC [macLen]byte

const macLen = 6

// Broadcast reaches every listener on the channel.
var Broadcast = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

var ErrZeroMAC = errors.New("link: invalid MAC (all zeros)")

// ParseMAC accepts the IEEE 802 MAC-48 notations understood by net.ParseMAC.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return MAC{}, fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	if len(hw) != macLen {
		return MAC{}, fmt.Errorf("invalid MAC %q: want 6 bytes, got %d", s, len(hw))
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) IsZero() bool { return m == MAC{} }

func (m MAC) IsBroadcast() bool { return m == Broadcast }

func (m MAC) String() string {
	const hexd = "0123456789ABCDEF"
	out := make([]byte, 0, 17)
	for i, b := range m {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexd[b>>4], hexd[b&0x0F])
	}
	return string(out)
}

// MarshalText implements encoding.TextMarshaler so MACs log and serialize as strings.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(b []byte) error {
	parsed, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
