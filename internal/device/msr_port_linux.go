// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// DefaultMSRPath is the device path template of the Linux msr driver
const DefaultMSRPath = "/dev/cpu/%d/msr"

// cpuInfoSource lists the processors of the host; satisfied by procfs.FS
type cpuInfoSource interface {
	CPUInfo() ([]procfs.CPUInfo, error)
}

// affinityFn gets or sets the affinity of the calling thread
type affinityFn func(set *unix.CPUSet) error

// msrPort implements Port on top of the Linux msr driver (/dev/cpu/N/msr)
type msrPort struct {
	logger     *slog.Logger
	devicePath string
	cpuInfo    cpuInfoSource

	getAffinity affinityFn
	setAffinity affinityFn

	mu    sync.Mutex
	files map[int]*os.File // CPU ID -> MSR file handle
	live  *msrHandle
}

var _ Port = (*msrPort)(nil)

// MSRPortOptFn is a functional option for configuring the MSR port
type MSRPortOptFn func(*msrPort)

// WithMSRLogger sets the logger of the MSR port
func WithMSRLogger(logger *slog.Logger) MSRPortOptFn {
	return func(p *msrPort) {
		p.logger = logger.With("service", "msr-port")
	}
}

// WithDevicePath sets the MSR device path template, e.g. /dev/cpu/%d/msr
func WithDevicePath(path string) MSRPortOptFn {
	return func(p *msrPort) {
		p.devicePath = path
	}
}

// withAffinityFns replaces the sched_{get,set}affinity calls (for testing)
func withAffinityFns(get, set affinityFn) MSRPortOptFn {
	return func(p *msrPort) {
		p.getAffinity = get
		p.setAffinity = set
	}
}

// withCPUInfo replaces the processor source (for testing)
func withCPUInfo(src cpuInfoSource) MSRPortOptFn {
	return func(p *msrPort) {
		p.cpuInfo = src
	}
}

// NewMSRPort creates a register port that enumerates processors from the
// procfs mounted at procPath
func NewMSRPort(procPath string, opts ...MSRPortOptFn) (*msrPort, error) {
	p := &msrPort{
		logger:     slog.Default().With("service", "msr-port"),
		devicePath: DefaultMSRPath,
		files:      make(map[int]*os.File),
		getAffinity: func(set *unix.CPUSet) error {
			return unix.SchedGetaffinity(0, set)
		},
		setAffinity: func(set *unix.CPUSet) error {
			return unix.SchedSetaffinity(0, set)
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.cpuInfo == nil {
		fs, err := procfs.NewFS(procPath)
		if err != nil {
			return nil, fmt.Errorf("creating procfs failed: %w", err)
		}
		p.cpuInfo = fs
	}

	return p, nil
}

// Name returns the name of this port implementation
func (p *msrPort) Name() string {
	return "msr"
}

// Processors returns the logical processors listed in procfs cpuinfo
func (p *msrPort) Processors() ([]int, error) {
	infos, err := p.cpuInfo.CPUInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read cpuinfo: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no processors listed in cpuinfo")
	}

	cpus := make([]int, 0, len(infos))
	for _, ci := range infos {
		cpus = append(cpus, int(ci.Processor))
	}
	sort.Ints(cpus)
	return cpus, nil
}

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to cpu. Pin and Release must be called from the same goroutine.
func (p *msrPort) Pin(cpu int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live != nil {
		return nil, fmt.Errorf("pin cpu %d: %w (held by cpu %d)", cpu, ErrAffinityBusy, p.live.cpu)
	}
	if cpu < 0 {
		return nil, fmt.Errorf("pin cpu %d: %w", cpu, ErrNoSuchProcessor)
	}

	file, err := p.open(cpu)
	if err != nil {
		return nil, err
	}

	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := p.getAffinity(&prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to get affinity: %w", err)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := p.setAffinity(&set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("failed to set affinity to cpu %d: %w", cpu, err)
	}

	h := &msrHandle{port: p, cpu: cpu, file: file, prev: prev}
	p.live = h
	return h, nil
}

// open returns the cached MSR file of cpu, opening it on first use.
// Read-write access is preferred; read-only is accepted so that sampling
// free-running registers still works without write permission.
func (p *msrPort) open(cpu int) (*os.File, error) {
	if f, ok := p.files[cpu]; ok {
		return f, nil
	}

	path := fmt.Sprintf(p.devicePath, cpu)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrPermission) {
		p.logger.Warn("MSR file not writable, falling back to read-only", "path", path)
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, ErrNoSuchProcessor)
		}
		return nil, fmt.Errorf("failed to open MSR file %s: %w", path, err)
	}

	p.files[cpu] = f
	return f, nil
}

// Close closes all MSR files and releases resources
func (p *msrPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for cpuID, file := range p.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
			p.logger.Warn("Failed to close MSR file", "cpu", cpuID, "error", err)
		}
	}
	p.files = make(map[int]*os.File)

	return errors.Join(errs...)
}

// msrHandle is a Handle for one pinned CPU of an msrPort
type msrHandle struct {
	port     *msrPort
	cpu      int
	file     *os.File
	prev     unix.CPUSet
	released bool
}

func (h *msrHandle) CPU() int {
	return h.cpu
}

func (h *msrHandle) ReadRegister(id uint32) (uint64, error) {
	if h.released {
		return 0, ErrHandleReleased
	}

	buf := make([]byte, 8)
	if _, err := h.file.ReadAt(buf, int64(id)); err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x from CPU %d: %w", id, h.cpu, err)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (h *msrHandle) WriteRegister(id uint32, value uint64) error {
	if h.released {
		return ErrHandleReleased
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	if _, err := h.file.WriteAt(buf, int64(id)); err != nil {
		return fmt.Errorf("failed to write MSR 0x%x on CPU %d: %w", id, h.cpu, err)
	}
	return nil
}

func (h *msrHandle) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	if h.released {
		return 0, 0, 0, 0
	}
	return cpuid(leaf, subleaf)
}

// Release restores the affinity observed at Pin and unlocks the OS thread
func (h *msrHandle) Release() error {
	if h.released {
		return ErrHandleReleased
	}
	h.released = true

	p := h.port
	p.mu.Lock()
	p.live = nil
	p.mu.Unlock()

	err := p.setAffinity(&h.prev)
	runtime.UnlockOSThread()
	if err != nil {
		return fmt.Errorf("failed to restore affinity after cpu %d: %w", h.cpu, err)
	}
	return nil
}
