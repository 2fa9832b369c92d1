// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build amd64

package device

// cpuid executes the CPUID instruction with the given EAX and ECX inputs.
// Defined in cpuid_amd64.s
//
//go:noescape
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)
