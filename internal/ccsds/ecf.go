package ccsds

import "github.com/sigurn/crc16"

// The AOS frame error control field is CRC-16/CCITT with preset 0xFFFF and no
// final XOR (CCSDS 132.0/732.0 annex), i.e. the CRC-16/CCITT-FALSE parameter set.
var ecfTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ComputeECF returns the error control field for block.
func ComputeECF(block []byte) uint16 {
	return crc16.Checksum(block, ecfTable)
}
