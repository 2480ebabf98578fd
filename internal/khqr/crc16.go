package khqr

import "fmt"

const crcPolynomial = 0x1021

// Checksum computes CRC16-CCITT with initial register 0xFFFF and no final
// XOR, processing each byte MSB first. Wallet apps validate the QR with this
// exact variant; any other CRC parameterisation is rejected at scan time.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// ChecksumHex formats the checksum as 4 uppercase hex digits, the form
// embedded in tag 63.
func ChecksumHex(data string) string {
	return fmt.Sprintf("%04X", Checksum([]byte(data)))
}
