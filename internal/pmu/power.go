// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"math"
	"time"

	"github.com/sustainable-computing-io/pmcmon/internal/device"
)

const (
	energyCounterWidth = 32

	// MSR_RAPL_POWER_UNIT energy status unit, bits 12:8
	energyUnitShift = 8
	energyUnitMask  = 0x1F

	powerBaseline = time.Second
)

// powerState tracks the RAPL energy counters between ReadPower calls
type powerState struct {
	primed        bool
	scale         float64 // joules per LSB
	lastPackage   uint64
	lastDomain    uint64
	lastRead      time.Time
	domainCounter SharedCounter
}

// energyScale decodes the joules per LSB from MSR_RAPL_POWER_UNIT
func energyScale(powerUnit uint64) float64 {
	bits := (powerUnit >> energyUnitShift) & energyUnitMask
	return math.Pow(0.5, float64(bits))
}

func packageCounter() SharedCounter {
	return NewSharedCounter(device.MSRPkgEnergyStatus, energyCounterWidth, WrapOnDecrease)
}

// ReadPower returns the average package and domain power since the previous
// call. The energy unit is read once on the first call, which only takes
// the baseline and returns a reading with Valid unset. The energy registers
// are read on the first discovered processor and never written.
func (e *Engine) ReadPower() (PowerReading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cpu := e.cpus[0]
	ps := &e.power

	var pkg, domain uint64
	err := e.withHandle(cpu, OpPower, func(h device.Handle) error {
		if !ps.primed {
			unit, err := h.ReadRegister(device.MSRPowerUnit)
			if err != nil {
				return err
			}
			ps.scale = energyScale(unit)
			reg, _ := e.powerDomain.Register()
			ps.domainCounter = NewSharedCounter(reg, energyCounterWidth, WrapOnDecrease)
		}

		var err error
		if _, pkg, _, err = packageCounter().Delta(h, 0); err != nil {
			return err
		}
		if _, domain, _, err = ps.domainCounter.Delta(h, 0); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return PowerReading{Domain: e.powerDomain}, err
	}

	now := e.clock.Now()
	reading := PowerReading{Domain: e.powerDomain}

	if ps.primed {
		pkgDelta, pkgWrapped := packageCounter().delta(ps.lastPackage, pkg)
		domainDelta, domainWrapped := ps.domainCounter.delta(ps.lastDomain, domain)
		if pkgWrapped || domainWrapped {
			e.logger.Debug("Energy counter wrapped", "package", pkgWrapped, "domain", domainWrapped)
		}

		elapsed := now.Sub(ps.lastRead)
		if elapsed <= 0 {
			elapsed = powerBaseline
		}

		pkgJoules := float64(pkgDelta) * ps.scale
		domainJoules := float64(domainDelta) * ps.scale
		reading.PackageEnergy = device.EnergyFromJoules(pkgJoules)
		reading.DomainEnergy = device.EnergyFromJoules(domainJoules)
		reading.PackageWatts = pkgJoules / elapsed.Seconds()
		reading.DomainWatts = domainJoules / elapsed.Seconds()
		reading.Interval = elapsed
		reading.Valid = true
	} else {
		reading.Interval = powerBaseline
		e.logger.Debug("Power telemetry primed", "joules-per-lsb", ps.scale, "domain", e.powerDomain)
	}

	ps.primed = true
	ps.lastPackage = pkg
	ps.lastDomain = domain
	ps.lastRead = now

	e.totals.Power = reading
	e.totals.PackageEnergy += reading.PackageEnergy
	e.totals.DomainEnergy += reading.DomainEnergy
	return reading, nil
}
