package model

import (
	"fmt"
	"math/bits"
	"strings"
)

// SignalType is a bitmask over the independently routable signal kinds a
// connector or link can carry. A single physical cable may carry several
// kinds at once, but every routing decision is made for exactly one of them.
type SignalType uint32

const (
	SignalVideo SignalType = 1 << iota
	SignalAudio
	SignalUSB
	SignalSecondaryAudio

	SignalNone SignalType = 0
	SignalAll             = SignalVideo | SignalAudio | SignalUSB | SignalSecondaryAudio
)

var signalNames = []struct {
	flag SignalType
	name string
}{
	{SignalVideo, "video"},
	{SignalAudio, "audio"},
	{SignalUSB, "usb"},
	{SignalSecondaryAudio, "secondary_audio"},
}

// Has reports whether every bit of flag is set on s.
func (s SignalType) Has(flag SignalType) bool {
	return flag != 0 && s&flag == flag
}

// IsSingle reports whether exactly one signal bit is set.
func (s SignalType) IsSingle() bool {
	return bits.OnesCount32(uint32(s)) == 1
}

// Flags splits the mask into its single-bit components in ascending order.
func (s SignalType) Flags() []SignalType {
	out := make([]SignalType, 0, bits.OnesCount32(uint32(s)))
	for rest := uint32(s); rest != 0; rest &= rest - 1 {
		out = append(out, SignalType(rest&-rest))
	}
	return out
}

func (s SignalType) String() string {
	if s == SignalNone {
		return "none"
	}
	parts := make([]string, 0, 4)
	rest := s
	for _, n := range signalNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "+")
}

// ParseSignal maps a single signal name (case-insensitive) to its flag.
func ParseSignal(name string) (SignalType, error) {
	v := strings.ToLower(strings.TrimSpace(name))
	switch v {
	case "all":
		return SignalAll, nil
	case "secondaryaudio", "audio2":
		return SignalSecondaryAudio, nil
	}
	for _, n := range signalNames {
		if n.name == v {
			return n.flag, nil
		}
	}
	return SignalNone, fmt.Errorf("unknown signal type %q", name)
}

// ParseSignals combines a list of signal names into one mask.
func ParseSignals(names []string) (SignalType, error) {
	var mask SignalType
	for _, name := range names {
		f, err := ParseSignal(name)
		if err != nil {
			return SignalNone, err
		}
		mask |= f
	}
	return mask, nil
}
