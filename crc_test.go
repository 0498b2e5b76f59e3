// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package vfd

import (
	"testing"
)

func TestCRC(t *testing.T) {
	var crc crc
	crc.reset()
	crc.pushBytes([]byte{0x01, 0x03, 0x00, 0xD9, 0x00, 0x02})

	if crc.value() != 0xF015 {
		t.Fatalf("crc expected %v, actual %v", 0xF015, crc.value())
	}
}

func TestCRCIncremental(t *testing.T) {
	var whole, parts crc
	whole.reset().pushBytes([]byte{0x01, 0x06, 0x01, 0x22, 0x00, 0x01})
	parts.reset().pushBytes([]byte{0x01, 0x06}).pushBytes([]byte{0x01, 0x22, 0x00, 0x01})

	if whole.value() != parts.value() {
		t.Fatalf("crc expected %v, actual %v", whole.value(), parts.value())
	}
	if whole.value() != 0xFCE9 {
		t.Fatalf("crc expected %v, actual %v", 0xFCE9, whole.value())
	}
}
