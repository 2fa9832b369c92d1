// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64

package device

// cpuid has no equivalent outside amd64; callers see every leaf as absent and
// topology discovery falls back to the configured defaults.
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}
