// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sustainable-computing-io/pmcmon/internal/pmu"
)

func TestEncode(t *testing.T) {
	tt := []struct {
		name     string
		event    uint8
		umask    uint8
		flags    []Flag
		expected pmu.EventSelector
	}{
		{"bare", 0x3C, 0x00, nil, 0x3C},
		{"umask", 0x2E, 0x4F, nil, 0x4F2E},
		{"architectural", 0xC4, 0x00, []Flag{FlagUSR, FlagOS, FlagEnable}, 0x4300C4},
		{"edge and invert", 0xA3, 0x04, []Flag{FlagEdge, FlagInvert}, 0x8404A3},
		{"counter mask", 0xA3, 0x04, []Flag{FlagEnable, CounterMask(4)}, 0x044004A3},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Encode(tc.event, tc.umask, tc.flags...))
		})
	}

	assert.Equal(t, pmu.EventSelector(0x43412E), Arch(0x2E, 0x41))
	assert.Equal(t, pmu.EventSelector(0x4300C5), BranchMissesRetired)
}
