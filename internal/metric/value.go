// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"math"
	"strconv"
)

// NotAvailable is how a missing value renders
const NotAvailable = "N/A"

// Value is a computed metric value that may be unavailable
type Value struct {
	v  float64
	ok bool
}

// Of returns an available value
func Of(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NA()
	}
	return Value{v: v, ok: true}
}

// NA returns an unavailable value
func NA() Value {
	return Value{}
}

// Ratio returns num/den, unavailable when den is zero
func Ratio(num, den float64) Value {
	if den == 0 {
		return NA()
	}
	return Of(num / den)
}

// PerKilo returns num per thousand of den, e.g. misses per kilo instruction
func PerKilo(num, den float64) Value {
	return Ratio(num*1000, den)
}

// Complement returns 1 - num/den, unavailable when den is zero
func Complement(num, den float64) Value {
	r := Ratio(num, den)
	if !r.ok {
		return r
	}
	return Of(1 - r.v)
}

// Valid reports whether the value is available
func (v Value) Valid() bool {
	return v.ok
}

// Float returns the value and whether it is available
func (v Value) Float() (float64, bool) {
	return v.v, v.ok
}

func (v Value) String() string {
	if !v.ok {
		return NotAvailable
	}
	return strconv.FormatFloat(v.v, 'f', 3, 64)
}
