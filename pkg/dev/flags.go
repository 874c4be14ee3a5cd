package dev

import (
	"fmt"
	"strings"

	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
)

// Flag holds the access mode and behaviour bits of a flow
type Flag uint32

const (
	ReadOnly         Flag = constants.FlowReadOnly
	WriteOnly        Flag = constants.FlowWriteOnly
	ReadWrite        Flag = constants.FlowReadWrite
	Down             Flag = constants.FlowDown
	NonBlockingRead  Flag = constants.FlowNonBlockingRead
	NonBlockingWrite Flag = constants.FlowNonBlockingWrite
	NonBlocking           = NonBlockingRead | NonBlockingWrite
	NoPartialRead    Flag = constants.FlowNoPartialRead
	NoPartialWrite   Flag = constants.FlowNoPartialWrite

	accessMask Flag = constants.FlowAccessMask
	validFlags      = accessMask | Down | NonBlocking | NoPartialRead | NoPartialWrite
)

// Access returns the access mode bits
func (f Flag) Access() Flag {
	return f & accessMask
}

// CanRead reports whether the access mode permits reading
func (f Flag) CanRead() bool {
	a := f.Access()
	return a == ReadOnly || a == ReadWrite
}

// CanWrite reports whether the access mode permits writing
func (f Flag) CanWrite() bool {
	a := f.Access()
	return a == WriteOnly || a == ReadWrite
}

// Has reports whether every bit of x is set
func (f Flag) Has(x Flag) bool {
	return f&x == x
}

func (f Flag) validate() error {
	if extra := f &^ validFlags; extra != 0 {
		return fmt.Errorf("unknown flag bits %#o", uint32(extra))
	}
	if f.Access() == accessMask {
		return fmt.Errorf("invalid access mode %#o", uint32(f.Access()))
	}
	return nil
}

func (f Flag) String() string {
	var parts []string
	switch f.Access() {
	case ReadOnly:
		parts = append(parts, "rdonly")
	case WriteOnly:
		parts = append(parts, "wronly")
	case ReadWrite:
		parts = append(parts, "rdwr")
	default:
		parts = append(parts, "badaccess")
	}
	named := []struct {
		bit  Flag
		name string
	}{
		{Down, "down"},
		{NonBlockingRead, "rnonblock"},
		{NonBlockingWrite, "wnonblock"},
		{NoPartialRead, "nopartrd"},
		{NoPartialWrite, "nopartwr"},
	}
	for _, n := range named {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// EventType is a bitmask of flow events
type EventType uint32

const (
	EventPacket  EventType = constants.EventPacket
	EventDown    EventType = constants.EventDown
	EventUp      EventType = constants.EventUp
	EventAlloc   EventType = constants.EventAlloc
	EventDealloc EventType = constants.EventDealloc
)

// Has reports whether every bit of x is set
func (e EventType) Has(x EventType) bool {
	return e&x == x
}

func (e EventType) String() string {
	var parts []string
	named := []struct {
		bit  EventType
		name string
	}{
		{EventPacket, "pkt"},
		{EventDown, "down"},
		{EventUp, "up"},
		{EventAlloc, "alloc"},
		{EventDealloc, "dealloc"},
	}
	for _, n := range named {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
