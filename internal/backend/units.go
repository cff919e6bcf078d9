// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

// Sizes are tracked locally in MiB, while the block storage service
// speaks GiB. Conversions always round partial GiB up so a volume is
// never created smaller than requested.

func MiBToGiB(mib int64) int {
	gib := mib / 1024
	if mib%1024 != 0 {
		gib++
	}
	return int(gib)
}

func GiBToMiB(gib int) int64 {
	return int64(gib) * 1024
}
