package config

import "strings"

// DebugFlags is the set of enabled debug logging categories.
type DebugFlags struct {
	Scheduler bool `toml:"scheduler" yaml:"scheduler"`
	STM       bool `toml:"stm" yaml:"stm"`
}

type debugFlag int

const (
	debugScheduler debugFlag = iota
	debugSTM
)

func debugFlagFor(r rune) (debugFlag, error) {
	switch r {
	case 's':
		return debugScheduler, nil
	case 'm':
		return debugSTM, nil
	}
	return 0, &ConfigError{Param: "debug", Detail: "unknown debug category " + string(r), Err: ErrInvalid}
}

func (f DebugFlags) With(flag debugFlag) DebugFlags {
	switch flag {
	case debugScheduler:
		f.Scheduler = true
	case debugSTM:
		f.STM = true
	}
	return f
}

// ParseDebugFlags parses a string of category letters such as "sm".
func ParseDebugFlags(s string) (DebugFlags, error) {
	var out DebugFlags
	for _, r := range s {
		flag, err := debugFlagFor(r)
		if err != nil {
			return DebugFlags{}, err
		}
		out = out.With(flag)
	}
	return out, nil
}

func (f DebugFlags) String() string {
	var b strings.Builder
	if f.Scheduler {
		b.WriteByte('s')
	}
	if f.STM {
		b.WriteByte('m')
	}
	return b.String()
}
