package frag

import (
	"sync/atomic"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("frag")

var ErrPacketTooLarge = errors.New("packet too large")

// Endpoint splits outgoing packets into fragments paced out one per Update,
// and reassembles incoming fragments before handing packets to
// Config.ProcessPacketFunction. Packets no larger than Config.FragmentAbove
// bypass fragmentation and are transmitted immediately.
type Endpoint struct {
	Config     *Config
	Fragments  *FragmentPool
	Outgoing   *OutgoingQueue
	Reassembly *ReassemblyPool

	groupID  uint32
	counters [CounterMax]uint64
}

func NewEndpoint(config *Config, time float64) (*Endpoint, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.TransmitPacketFunction == nil || config.ProcessPacketFunction == nil {
		return nil, errors.Errorf("[%s] transmit and process packet functions are required", config.Name)
	}

	e := &Endpoint{
		Config:    config,
		Fragments: NewFragmentPool(),
	}
	e.Outgoing = NewOutgoingQueue(TransmitFunc(e.transmit), e.Fragments)

	var err error
	e.Reassembly, err = NewReassemblyPool(config, DeliverFunc(e.deliver), e.Fragments)
	if err != nil {
		return nil, err
	}
	e.Reassembly.Update(time)
	return e, nil
}

// NextGroupID is the group id the next fragmented packet will use.
func (e *Endpoint) NextGroupID() uint16 {
	return uint16(atomic.LoadUint32(&e.groupID))
}

// SendPacket queues packetData for transmission, fragmenting it if it is
// larger than Config.FragmentAbove.
func (e *Endpoint) SendPacket(packetData []byte) error {
	packetBytes := len(packetData)
	if packetBytes > e.Config.MaxPacketSize {
		e.count(CounterNumPacketsTooLargeToSend)
		return errors.Wrapf(ErrPacketTooLarge, "[%s] packet is %d bytes, maximum is %d", e.Config.Name, packetBytes, e.Config.MaxPacketSize)
	}

	if packetBytes <= e.Config.FragmentAbove {
		log.Debugf("[%s] sending packet without fragmentation", e.Config.Name)
		transmitPacketData := make([]byte, PacketHeaderBytes+packetBytes)
		n := WritePacketHeader(transmitPacketData)
		copy(transmitPacketData[n:], packetData)
		e.Config.TransmitPacketFunction(e.Config.Context, e.Config.Index, 0, transmitPacketData)
		e.count(CounterNumPacketsSent)
		return nil
	}

	numFragments := packetBytes / e.Config.FragmentSize
	if packetBytes%e.Config.FragmentSize != 0 {
		numFragments++
	}
	if numFragments > e.Config.MaxFragments {
		e.count(CounterNumPacketsTooLargeToSend)
		return errors.Wrapf(ErrTooManyFragments, "[%s] packet needs %d fragments, maximum is %d", e.Config.Name, numFragments, e.Config.MaxFragments)
	}

	groupID := uint16(atomic.AddUint32(&e.groupID, 1) - 1)
	log.Debugf("[%s] sending packet as group %d of %d fragments", e.Config.Name, groupID, numFragments)

	for part := 0; part < numFragments; part++ {
		start := part * e.Config.FragmentSize
		end := start + e.Config.FragmentSize
		if end > packetBytes {
			end = packetBytes
		}
		e.Outgoing.Enqueue(e.Fragments.New(groupID, uint16(part), uint16(numFragments), packetData[start:end]))
		e.count(CounterNumFragmentsQueued)
	}
	e.count(CounterNumPacketsSent)
	return nil
}

// ReceivePacket handles one packet from the wire. Invalid packets are logged,
// counted and dropped.
func (e *Endpoint) ReceivePacket(packetData []byte) {
	if len(packetData) == 0 {
		log.Errorf("[%s] ignoring empty packet", e.Config.Name)
		e.count(CounterNumPacketsInvalid)
		return
	}
	if maxBytes := e.maxReceiveBytes(); len(packetData) > maxBytes {
		log.Errorf("[%s] packet too large to receive. packet is %d bytes, maximum is %d", e.Config.Name, len(packetData), maxBytes)
		e.count(CounterNumPacketsTooLargeToReceive)
		return
	}

	if !IsFragment(packetData) {
		payload, err := ReadPacketHeader(packetData)
		if err != nil {
			log.Errorf("[%s] ignoring invalid packet: %v", e.Config.Name, err)
			e.count(CounterNumPacketsInvalid)
			return
		}
		log.Debugf("[%s] processing packet", e.Config.Name)
		e.count(CounterNumPacketsReceived)
		e.Config.ProcessPacketFunction(e.Config.Context, e.Config.Index, 0, payload)
		return
	}

	f, err := e.Fragments.Parse(packetData, e.Config.MaxFragments, e.Config.FragmentSize)
	if err != nil {
		log.Errorf("[%s] ignoring invalid fragment: %v", e.Config.Name, err)
		e.count(CounterNumFragmentsInvalid)
		return
	}
	if err := e.Reassembly.ProcessIncoming(f); err != nil {
		e.Fragments.Recycle(f)
	}
}

// Update advances the clock and transmits at most one queued fragment. It
// reports whether a fragment was sent.
func (e *Endpoint) Update(time float64) bool {
	e.Reassembly.Update(time)
	return e.Outgoing.SendNext()
}

// Reset drops all queued fragments and groups in progress.
func (e *Endpoint) Reset() {
	e.Outgoing.Reset()
	e.Reassembly.Reset()
	atomic.StoreUint32(&e.groupID, 0)
}

// maxReceiveBytes is the largest packet SendPacket can put on the wire,
// whether whole or a single fragment.
func (e *Endpoint) maxReceiveBytes() int {
	maxBytes := e.Config.MaxPacketSize + PacketHeaderBytes
	if n := e.Config.FragmentSize + FragmentHeaderBytes; n > maxBytes {
		maxBytes = n
	}
	return maxBytes
}

func (e *Endpoint) transmit(f *Fragment) {
	e.Config.TransmitPacketFunction(e.Config.Context, e.Config.Index, f.GroupID, f.Bytes())
	e.count(CounterNumFragmentsSent)
}

// deliver joins a completed group and recycles its fragments.
func (e *Endpoint) deliver(fragments []*Fragment) {
	var packetBytes int
	for _, f := range fragments {
		packetBytes += len(f.Payload)
	}
	packetData := make([]byte, 0, packetBytes)
	groupID := fragments[0].GroupID
	for _, f := range fragments {
		packetData = append(packetData, f.Payload...)
		e.Fragments.Recycle(f)
	}

	log.Debugf("[%s] processing reassembled packet %d", e.Config.Name, groupID)
	e.count(CounterNumPacketsReceived)
	e.Config.ProcessPacketFunction(e.Config.Context, e.Config.Index, groupID, packetData)
}

func (e *Endpoint) count(counter int) {
	atomic.AddUint64(&e.counters[counter], 1)
}

// Counter returns the value of one of the Counter* constants.
func (e *Endpoint) Counter(counter int) uint64 {
	return atomic.LoadUint64(&e.counters[counter]) + e.Reassembly.Counter(counter)
}

func (e *Endpoint) PacketsSent() uint64 {
	return e.Counter(CounterNumPacketsSent)
}

func (e *Endpoint) PacketsReceived() uint64 {
	return e.Counter(CounterNumPacketsReceived)
}

func (e *Endpoint) FragmentsSent() uint64 {
	return e.Counter(CounterNumFragmentsSent)
}

func (e *Endpoint) GroupsEvicted() uint64 {
	return e.Counter(CounterNumGroupsEvicted)
}

const (
	CounterNumPacketsSent = iota
	CounterNumPacketsReceived
	CounterNumPacketsInvalid
	CounterNumPacketsTooLargeToSend
	CounterNumPacketsTooLargeToReceive
	CounterNumFragmentsQueued
	CounterNumFragmentsSent
	CounterNumFragmentsReceived
	CounterNumFragmentsInvalid
	CounterNumFragmentsDuplicate
	CounterNumFragmentsStale
	CounterNumFragmentsEvicted
	CounterNumGroupsCompleted
	CounterNumGroupsEvicted
	CounterMax
)

var counterNames = [CounterMax]string{
	"packets sent",
	"packets received",
	"packets invalid",
	"packets too large to send",
	"packets too large to receive",
	"fragments queued",
	"fragments sent",
	"fragments received",
	"fragments invalid",
	"fragments duplicate",
	"fragments stale",
	"fragments evicted",
	"groups completed",
	"groups evicted",
}

// CounterName describes a Counter* constant for display.
func CounterName(counter int) string {
	return counterNames[counter]
}
