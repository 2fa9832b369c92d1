// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"sync"
)

// NOTE: FakePort simulates a single package and is not intended for production

// Core type tags reported in CPUID leaf 0x1A EAX[31:24]
const (
	CoreTypeTagAtom uint8 = 0x20
	CoreTypeTagCore uint8 = 0x40
)

const (
	// 15.3 microjoule energy unit (bits 12:8 = 0x10), 1/8 W power unit
	defaultFakePowerUnit uint64 = 0xA1003

	fakeFixedCounterWidth = 48
	fakeEnergyWidth       = 32
	fakeSMTShift          = 1
)

// FakeProcessor describes one simulated logical processor
type FakeProcessor struct {
	TypeTag      uint8
	GPCounters   int
	CounterWidth int
	FixedMask    uint8
	APICID       uint32
}

// RegisterWrite records a register write observed by the fake port
type RegisterWrite struct {
	CPU   int
	ID    uint32
	Value uint64
}

// FakePort is a simulated register port
type FakePort struct {
	logger *slog.Logger

	mu      sync.Mutex
	procs   []FakeProcessor
	regs    map[int]map[uint32]uint64 // CPU ID -> register file
	pkg     map[uint32]uint64         // package scoped registers (RAPL)
	maxLeaf uint32

	readErrs  map[int]error
	writeErrs map[int]error

	counterStep uint64
	energyStep  uint64

	live   *fakeHandle
	pins   []int
	writes []RegisterWrite
}

var _ Port = (*FakePort)(nil)

// FakePortOptFn is a functional option for configuring FakePort
type FakePortOptFn func(*FakePort)

// WithFakeProcessors sets the simulated processors; the slice index is the CPU ID
func WithFakeProcessors(procs ...FakeProcessor) FakePortOptFn {
	return func(p *FakePort) {
		p.procs = append([]FakeProcessor(nil), procs...)
	}
}

// WithFakePortLogger sets the logger of the fake port
func WithFakePortLogger(l *slog.Logger) FakePortOptFn {
	return func(p *FakePort) {
		p.logger = l.With("service", "fake-port")
	}
}

// WithoutHybridLeaf makes CPUID report a maximum leaf below 0x1A, as
// non-hybrid parts do
func WithoutHybridLeaf() FakePortOptFn {
	return func(p *FakePort) {
		p.maxLeaf = CPUIDLeafTopology
	}
}

// WithFreeRunning makes enabled counters advance by counterStep and energy
// registers by energyStep on every read
func WithFreeRunning(counterStep, energyStep uint64) FakePortOptFn {
	return func(p *FakePort) {
		p.counterStep = counterStep
		p.energyStep = energyStep
	}
}

// HybridProcessors returns perf Performance threads (two per core) followed
// by eff Efficiency threads (one per core)
func HybridProcessors(perf, eff int) []FakeProcessor {
	procs := make([]FakeProcessor, 0, perf+eff)
	for i := 0; i < perf; i++ {
		procs = append(procs, FakeProcessor{
			TypeTag:      CoreTypeTagCore,
			GPCounters:   8,
			CounterWidth: 48,
			FixedMask:    0b111,
			APICID:       uint32(i),
		})
	}
	base := uint32(perf+perf%2) + 8
	for i := 0; i < eff; i++ {
		procs = append(procs, FakeProcessor{
			TypeTag:      CoreTypeTagAtom,
			GPCounters:   6,
			CounterWidth: 48,
			FixedMask:    0b111,
			APICID:       base + uint32(2*i),
		})
	}
	return procs
}

// NewFakePort creates a simulated package. Without WithFakeProcessors it
// models 4 Performance and 4 Efficiency threads.
func NewFakePort(opts ...FakePortOptFn) *FakePort {
	p := &FakePort{
		logger:    slog.Default().With("service", "fake-port"),
		procs:     HybridProcessors(4, 4),
		regs:      make(map[int]map[uint32]uint64),
		pkg:       map[uint32]uint64{MSRPowerUnit: defaultFakePowerUnit},
		maxLeaf:   CPUIDLeafHybridInfo,
		readErrs:  make(map[int]error),
		writeErrs: make(map[int]error),
	}

	for _, opt := range opts {
		opt(p)
	}

	for cpu := range p.procs {
		p.regs[cpu] = make(map[uint32]uint64)
	}

	return p
}

func (p *FakePort) Name() string {
	return "fake"
}

func (p *FakePort) Processors() ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.procs) == 0 {
		return nil, fmt.Errorf("fake port has no processors")
	}
	cpus := make([]int, len(p.procs))
	for i := range p.procs {
		cpus[i] = i
	}
	return cpus, nil
}

func (p *FakePort) Pin(cpu int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live != nil {
		return nil, fmt.Errorf("pin cpu %d: %w (held by cpu %d)", cpu, ErrAffinityBusy, p.live.cpu)
	}
	if cpu < 0 || cpu >= len(p.procs) {
		return nil, fmt.Errorf("pin cpu %d: %w", cpu, ErrNoSuchProcessor)
	}

	h := &fakeHandle{port: p, cpu: cpu}
	p.live = h
	p.pins = append(p.pins, cpu)
	return h, nil
}

func (p *FakePort) Close() error {
	return nil
}

// FailReads makes every register read on cpu fail with err; nil clears it
func (p *FakePort) FailReads(cpu int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.readErrs, cpu)
		return
	}
	p.readErrs[cpu] = err
}

// FailWrites makes every register write on cpu fail with err; nil clears it
func (p *FakePort) FailWrites(cpu int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.writeErrs, cpu)
		return
	}
	p.writeErrs[cpu] = err
}

// SetRegister sets a register value without pinning
func (p *FakePort) SetRegister(cpu int, id uint32, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.file(cpu, id)[id] = value
}

// Register returns a register value without pinning
func (p *FakePort) Register(cpu int, id uint32) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file(cpu, id)[id]
}

// Writes returns all register writes observed so far
func (p *FakePort) Writes() []RegisterWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RegisterWrite(nil), p.writes...)
}

// Pins returns the CPU IDs of every successful Pin in order
func (p *FakePort) Pins() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.pins...)
}

// Pinned reports whether a handle is currently live
func (p *FakePort) Pinned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live != nil
}

// WrittenCPUs returns the sorted set of CPUs that received register writes
func (p *FakePort) WrittenCPUs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[int]bool)
	for _, w := range p.writes {
		seen[w.CPU] = true
	}
	cpus := make([]int, 0, len(seen))
	for cpu := range seen {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus
}

// file returns the register file holding id for cpu; callers hold p.mu
func (p *FakePort) file(cpu int, id uint32) map[uint32]uint64 {
	if isPackageRegister(id) {
		return p.pkg
	}
	f, ok := p.regs[cpu]
	if !ok {
		f = make(map[uint32]uint64)
		p.regs[cpu] = f
	}
	return f
}

func isPackageRegister(id uint32) bool {
	switch id {
	case MSRPowerUnit, MSRPkgEnergyStatus, MSRPP0EnergyStatus, MSRPP1EnergyStatus, MSRDRAMEnergyStatus:
		return true
	}
	return false
}

// advance moves free-running registers forward before a read; callers hold p.mu
func (p *FakePort) advance(cpu int, id uint32) {
	proc := p.procs[cpu]
	f := p.file(cpu, id)
	global := p.regs[cpu][MSRPerfGlobalCtl]

	switch {
	case id == MSRPkgEnergyStatus || id == MSRPP0EnergyStatus ||
		id == MSRPP1EnergyStatus || id == MSRDRAMEnergyStatus:
		if p.energyStep > 0 {
			f[id] = (f[id] + p.energyStep) & widthMask(fakeEnergyWidth)
		}

	case id >= MSRFixedCounterBase && id < MSRFixedCounterBase+8:
		i := id - MSRFixedCounterBase
		if p.counterStep > 0 && global&(1<<(32+i)) != 0 {
			f[id] = (f[id] + p.counterStep) & widthMask(fakeFixedCounterWidth)
		}

	case id >= MSRPerfCounterBase && id < MSRPerfCounterBase+uint32(proc.GPCounters):
		i := id - MSRPerfCounterBase
		if p.counterStep > 0 && global&(1<<i) != 0 {
			f[id] = (f[id] + p.counterStep) & widthMask(proc.CounterWidth)
		}
	}
}

func widthMask(width int) uint64 {
	if width <= 0 || width >= 64 {
		return ^uint64(0)
	}
	return 1<<width - 1
}

// cpuid synthesizes the leaves consumed by topology discovery
func (p *FakePort) cpuid(cpu int, leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	proc := p.procs[cpu]
	if leaf > p.maxLeaf {
		return 0, 0, 0, 0
	}

	switch leaf {
	case CPUIDLeafMax:
		// "GenuineIntel"
		return p.maxLeaf, 0x756e6547, 0x6c65746e, 0x49656e69

	case CPUIDLeafPerfMon:
		fixedCount := uint32(bits.Len8(proc.FixedMask))
		eax = 5 | uint32(proc.GPCounters)<<8 | uint32(proc.CounterWidth)<<16 | 7<<24
		edx = fixedCount | fakeFixedCounterWidth<<5
		return eax, 0, uint32(proc.FixedMask), edx

	case CPUIDLeafTopology:
		switch subleaf {
		case 0:
			return fakeSMTShift, 2, subleaf | 1<<8, proc.APICID
		case 1:
			return 6, uint32(len(p.procs)), subleaf | 2<<8, proc.APICID
		}
		return 0, 0, subleaf, proc.APICID

	case CPUIDLeafHybridInfo:
		return uint32(proc.TypeTag) << CPUIDCoreTypeShift, 0, 0, 0
	}

	return 0, 0, 0, 0
}

// fakeHandle is the Handle returned by FakePort.Pin
type fakeHandle struct {
	port     *FakePort
	cpu      int
	released bool
}

func (h *fakeHandle) CPU() int {
	return h.cpu
}

func (h *fakeHandle) ReadRegister(id uint32) (uint64, error) {
	p := h.port
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return 0, ErrHandleReleased
	}
	if err := p.readErrs[h.cpu]; err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x from CPU %d: %w", id, h.cpu, err)
	}

	p.advance(h.cpu, id)
	return p.file(h.cpu, id)[id], nil
}

func (h *fakeHandle) WriteRegister(id uint32, value uint64) error {
	p := h.port
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return ErrHandleReleased
	}
	if err := p.writeErrs[h.cpu]; err != nil {
		return fmt.Errorf("failed to write MSR 0x%x on CPU %d: %w", id, h.cpu, err)
	}

	p.file(h.cpu, id)[id] = value
	p.writes = append(p.writes, RegisterWrite{CPU: h.cpu, ID: id, Value: value})
	return nil
}

func (h *fakeHandle) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	p := h.port
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return 0, 0, 0, 0
	}
	return p.cpuid(h.cpu, leaf, subleaf)
}

func (h *fakeHandle) Release() error {
	p := h.port
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.released {
		return ErrHandleReleased
	}
	h.released = true
	p.live = nil
	return nil
}
