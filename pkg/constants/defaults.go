// Package constants defines cross-cutting constants: QoS sentinels, flow flag and
// event bits, queue sizes and the node-to-node wire protocol numbers.
package constants

import "time"

// QoS defaults
const (
	Million = 1000 * 1000
	Billion = 1000 * 1000 * 1000

	// Delay, BER and MaxGap use Million as the "no bound" sentinel
	DefaultDelay        = Million
	DefaultBandwidth    = 0
	DefaultAvailability = 0
	DefaultLoss         = 1
	DefaultBER          = Million
	DefaultMaxGap       = Million
	DefaultCipher       = 0

	// Peer timeout 2 min
	DefaultPeerTimeout = 120000
)

// Flow flags, octal values as used by fccntl
const (
	FlowReadOnly         = 0o0
	FlowWriteOnly        = 0o1
	FlowReadWrite        = 0o2
	FlowDown             = 0o4
	FlowNonBlockingRead  = 0o1000
	FlowNonBlockingWrite = 0o2000
	FlowNoPartialRead    = 0o10000
	FlowNoPartialWrite   = 0o200000

	FlowAccessMask = 0o3
)

// Flow event bits
const (
	EventPacket  = 1
	EventDown    = 2
	EventUp      = 4
	EventAlloc   = 8
	EventDealloc = 16
)

// Process and queue sizing
const (
	// Default number of bytes returned by a read without an explicit count
	DefaultReadSize = 2048

	DefaultMaxFlows           = 1024
	DefaultFlowSetCapacity    = 1024
	DefaultEventQueueCapacity = 256
	DefaultRxQueueLen         = 256
	DefaultTxQueueLen         = 256

	// Largest single message a link carries
	DefaultMaxSDU = 1 << 16

	DefaultBacklog = 64

	DefaultDeallocLinger = 2 * time.Second
)

// Protocol Configuration
const (
	ProtocolVersion = 1

	ALPN = "ouroboros/1"

	DefaultPort = 27487

	// Upper bound on an encoded wire frame, payload plus envelope
	MaxFrameSize = DefaultMaxSDU + 4096

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAllocTimeout     = 30 * time.Second

	// Names longer than this are rejected by the registry
	MaxNameLength = 255
)

// Wire error codes
const (
	ErrorNameNotFound    = 1
	ErrorCapacity        = 2
	ErrorInvalidQoS      = 3
	ErrorRefused         = 4
	ErrorTimeout         = 5
	ErrorVersionMismatch = 6
	ErrorProtocol        = 7
	ErrorInternal        = 8
)

// Wire frame kinds
const (
	KindAllocRequest  = 1
	KindAllocResponse = 2
	KindHandshake     = 3
	KindData          = 10
	KindEvent         = 11
	KindKeepAlive     = 12
	KindDealloc       = 13
)

// Allocation operations carried in an allocation request
const (
	OpAlloc = 1
	OpJoin  = 2
)
