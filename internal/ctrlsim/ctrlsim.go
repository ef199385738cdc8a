// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ctrlsim is an in-memory model of an NVMe controller and its host
// platform. It backs the driver tests and the simulated bring-up harness:
// registers behave per the specification, admin commands read from the real
// ring memory and complete with phase-tagged entries, and message interrupts
// surface on a notification channel.
//
// The model is deterministic and single-device. Fault injection happens
// through hooks on the Config.
package ctrlsim

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antimetal/nvme/pkg/nvme"
	"github.com/antimetal/nvme/pkg/platform"
)

const (
	pageSize = 4096

	// physBase is where simulated physical memory starts; low addresses stay
	// invalid so a zero PRP is caught.
	physBase uint64 = 0x1_0000_0000

	msiAddressBase uint64 = 0xFEE0_0000
)

// NodeConfig describes one simulated NUMA node.
type NodeConfig struct {
	Group uint16
	Mask  uint64
}

// NamespaceConfig describes one namespace and its single LBA range.
type NamespaceConfig struct {
	Blocks        uint64
	Hidden        bool
	Overwriteable bool
	// ExtraRanges beyond the first make the driver ignore the namespace.
	ExtraRanges uint8
}

// Config seeds the simulated controller.
type Config struct {
	Nodes      []NodeConfig
	Namespaces []NamespaceConfig

	// VectorsGranted is how many message ids the platform grants; 0 means
	// INTx. SharedAddress gives every vector the same message address, which
	// the driver reads as MSI rather than MSI-X.
	VectorsGranted uint32
	SharedAddress  bool

	// QueuePairsGranted bounds Set Features(NumberOfQueues); 0 grants
	// whatever was requested.
	QueuePairsGranted uint16

	// MQES is the zero-based max queue depth; 0 defaults to 1023.
	MQES uint16
	// TO is CAP.TO in 500ms units; 0 defaults to 2.
	TO uint8
	// DSTRD is the doorbell stride exponent.
	DSTRD uint8

	// ConfigValues backs the platform key-value store.
	ConfigValues map[string]uint32

	// VectorRouting permutes the vector actually raised for a completion
	// queue's configured vector; identity when nil. The learning phase
	// exists to discover exactly this.
	VectorRouting map[uint16]uint16

	// CommandHook can override any command's completion status.
	CommandHook func(cmd nvme.Command) (sc, sct uint8, override bool)

	// AllocHook can fail contiguous allocations.
	AllocHook func(size, numaNode int) error

	// AnswerShutdown controls whether CSTS.SHST ever reaches complete.
	// Defaults to true.
	AnswerShutdown *bool
}

func defaultTrue(b *bool) bool { return b == nil || *b }

// sqState and cqState are the device-side views of the queues.
type sqState struct {
	base    uint64
	entries uint32
	head    uint32
	cqid    uint16
}

type cqState struct {
	base    uint64
	entries uint32
	tail    uint32
	phase   bool
	vector  uint16
}

// Sim is the simulated controller plus platform services.
type Sim struct {
	cfg Config

	mu     sync.Mutex
	allocs []*simBuffer
	next   uint64

	// registers
	cc   uint32
	csts uint32
	aqa  uint32
	asq  uint64
	acq  uint64

	sq map[uint16]*sqState
	cq map[uint16]*cqState

	raise  chan uint16
	notify chan uint16
	eg     *errgroup.Group
	cancel context.CancelFunc
}

var _ platform.Platform = (*Sim)(nil)

// New builds a simulated controller and starts its interrupt forwarder.
func New(cfg Config) *Sim {
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = []NodeConfig{{Group: 0, Mask: 0x1}}
	}
	if cfg.MQES == 0 {
		cfg.MQES = 1023
	}
	if cfg.TO == 0 {
		cfg.TO = 2
	}
	s := &Sim{
		cfg:    cfg,
		next:   physBase,
		sq:     make(map[uint16]*sqState),
		cq:     make(map[uint16]*cqState),
		raise:  make(chan uint16, 256),
		notify: make(chan uint16, 256),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.eg, ctx = errgroup.WithContext(ctx)
	s.eg.Go(func() error {
		// Message delivery path: raised vectors reach the host-side
		// notification channel asynchronously, like an interrupt controller.
		for {
			select {
			case <-ctx.Done():
				return nil
			case v := <-s.raise:
				select {
				case s.notify <- v:
				default:
				}
			}
		}
	})
	return s
}

// Close stops the interrupt forwarder.
func (s *Sim) Close() error {
	s.cancel()
	return s.eg.Wait()
}

// Notifications implements the controller's MessageNotifier: the vector ids
// of raised message interrupts.
func (s *Sim) Notifications() <-chan uint16 { return s.notify }

// simBuffer is one simulated contiguous allocation.
type simBuffer struct {
	data []byte
	phys uint64
	sim  *Sim
}

func (b *simBuffer) Bytes() []byte { return b.data }
func (b *simBuffer) Phys(offset int) uint64 { return b.phys + uint64(offset) }
func (b *simBuffer) Free() { b.sim.release(b) }

func (s *Sim) release(b *simBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.allocs {
		if a == b {
			s.allocs = append(s.allocs[:i], s.allocs[i+1:]...)
			break
		}
	}
}

// LiveAllocations reports outstanding contiguous allocations; tests use it
// to prove shutdown released everything.
func (s *Sim) LiveAllocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocs)
}

// AllocateContiguous implements platform.Platform with page-aligned
// simulated physical placement.
func (s *Sim) AllocateContiguous(size int, numaNode int) (platform.Buffer, error) {
	if s.cfg.AllocHook != nil {
		if err := s.cfg.AllocHook(size, numaNode); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	size = platform.AlignUp(size, pageSize)
	b := &simBuffer{
		data: make([]byte, size),
		phys: s.next,
		sim:  s,
	}
	s.next += uint64(size) + pageSize
	s.allocs = append(s.allocs, b)
	sort.Slice(s.allocs, func(i, j int) bool { return s.allocs[i].phys < s.allocs[j].phys })
	return b, nil
}

// mem resolves a simulated physical range to backing bytes.
func (s *Sim) mem(phys uint64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.allocs {
		if phys >= a.phys && phys+uint64(length) <= a.phys+uint64(len(a.data)) {
			off := int(phys - a.phys)
			return a.data[off : off+length], nil
		}
	}
	return nil, fmt.Errorf("no allocation backs %#x+%d", phys, length)
}

func (s *Sim) PageSize() int { return pageSize }

func (s *Sim) HighestNodeNumber() (uint32, error) {
	return uint32(len(s.cfg.Nodes)) - 1, nil
}

func (s *Sim) NodeAffinity(node uint32) (platform.GroupAffinity, error) {
	if int(node) >= len(s.cfg.Nodes) {
		return platform.GroupAffinity{}, fmt.Errorf("node %d out of range", node)
	}
	n := s.cfg.Nodes[node]
	return platform.GroupAffinity{Group: n.Group, Mask: n.Mask}, nil
}

func (s *Sim) MessageInfo(id uint32) (platform.MessageInfo, error) {
	if id >= s.cfg.VectorsGranted {
		return platform.MessageInfo{}, fmt.Errorf("message %d not granted", id)
	}
	addr := msiAddressBase
	if !s.cfg.SharedAddress {
		addr += uint64(id) * 0x10
	}
	return platform.MessageInfo{ID: id, Address: addr, Data: 0x4000 + id}, nil
}

func (s *Sim) Stall(d time.Duration) {
	// The model completes synchronously; yielding keeps polls cheap.
	runtime.Gosched()
}

func (s *Sim) ConfigValue(key string) (uint32, bool) {
	v, ok := s.cfg.ConfigValues[key]
	return v, ok
}
