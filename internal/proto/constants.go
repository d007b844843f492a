// Package proto defines the AMQP 1.0 performative, SASL-frame, terminus and
// delivery-state records together with their wire encoding. Each record is an
// ordered described list; fields equal to their AMQP-defined default may be
// omitted on the wire and are reconstituted on decode.
package proto

// Protocol IDs carried in byte 4 of the 8-byte protocol header.
const (
	ProtoIDAMQP = 0
	ProtoIDTLS  = 2
	ProtoIDSASL = 3
)

// Protocol version.
const (
	VersionMajor    = 1
	VersionMinor    = 0
	VersionRevision = 0
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// Auxiliary composite descriptors.
const (
	DescriptorError  uint64 = 0x1d
	DescriptorSource uint64 = 0x28
	DescriptorTarget uint64 = 0x29
)

// Delivery-state descriptors.
const (
	DescriptorReceived uint64 = 0x23
	DescriptorAccepted uint64 = 0x24
	DescriptorRejected uint64 = 0x25
	DescriptorReleased uint64 = 0x26
	DescriptorModified uint64 = 0x27

	// Transactional states; recognized so resumption can refuse them.
	DescriptorDeclared           uint64 = 0x33
	DescriptorTransactionalState uint64 = 0x34
)

// SASL frame descriptors.
const (
	DescriptorSASLMechanisms uint64 = 0x40
	DescriptorSASLInit       uint64 = 0x41
	DescriptorSASLChallenge  uint64 = 0x42
	DescriptorSASLResponse   uint64 = 0x43
	DescriptorSASLOutcome    uint64 = 0x44
)

// SASL outcome codes.
const (
	SASLCodeOK      uint8 = 0
	SASLCodeAuth    uint8 = 1
	SASLCodeSys     uint8 = 2
	SASLCodeSysPerm uint8 = 3
	SASLCodeSysTemp uint8 = 4
)

// Role values on Attach and Disposition.
const (
	RoleSender   = false
	RoleReceiver = true
)

// Sender settle modes.
const (
	SenderSettleUnsettled uint8 = 0
	SenderSettleSettled   uint8 = 1
	SenderSettleMixed     uint8 = 2
)

// Receiver settle modes.
const (
	ReceiverSettleFirst  uint8 = 0
	ReceiverSettleSecond uint8 = 1
)

// Wire defaults reconstituted when a field is absent.
const (
	DefaultMaxFrameSize uint32 = 4294967295
	DefaultChannelMax   uint16 = 65535
	DefaultHandleMax    uint32 = 4294967295
	MinMaxFrameSize     uint32 = 512
)

// Message body-section descriptors (the subset the engine needs to locate
// section boundaries when computing resume offsets).
const (
	DescriptorMessageHeader         uint64 = 0x70
	DescriptorDeliveryAnnotations   uint64 = 0x71
	DescriptorMessageAnnotations    uint64 = 0x72
	DescriptorMessageProperties     uint64 = 0x73
	DescriptorApplicationProperties uint64 = 0x74
	DescriptorData                  uint64 = 0x75
	DescriptorAMQPSequence          uint64 = 0x76
	DescriptorAMQPValue             uint64 = 0x77
	DescriptorFooter                uint64 = 0x78
)
