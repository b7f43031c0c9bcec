//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
)

const hexChars = "0123456789abcdef"

// wordsToHex converts an array of 16-bit words to a hex string.
//
// This is essentially the same method as hex.EncodeToString,
// but operates on []uint16 instead of []byte.
func wordsToHex(src []uint16) string {
	dst := make([]byte, len(src)*4)

	i := 0
	for _, word := range src {
		dst[i+0] = hexChars[(word>>0xC)&0xF]
		dst[i+1] = hexChars[(word>>0x8)&0xF]
		dst[i+2] = hexChars[(word>>0x4)&0xF]
		dst[i+3] = hexChars[(word>>0x0)&0xF]
		i += 4
	}

	return string(dst)
}

// bytesToWords packs bytes into big-endian 16-bit words.
// An odd final byte is padded with zero, since tag memory is word addressed.
func bytesToWords(b []byte) []uint16 {
	w := make([]uint16, (len(b)+1)/2)
	for i := range w {
		hi := uint16(b[2*i]) << 8
		if 2*i+1 < len(b) {
			hi |= uint16(b[2*i+1])
		}
		w[i] = hi
	}
	return w
}

func wordsToBytes(w []uint16) []byte {
	b := make([]byte, 2*len(w))
	for i, x := range w {
		binary.BigEndian.PutUint16(b[2*i:], x)
	}
	return b
}

// ExtractRSSI returns the RSSI value from TagReportData, if present.
//
// If the report includes a Custom Impinj RSSI parameter, it returns that.
// Because those values are dBm x100, it converts it to dBm (by dividing by 100),
// and hence the returned value is a floats instead of an int.
func (rt *TagReportData) ExtractRSSI() (float64, bool) {
	for _, c := range rt.Custom {
		if c.Is(PENImpinj, ImpinjPeakRSSI) && len(c.Data) == 2 {
			// #nosec G115
			return float64(int16(binary.BigEndian.Uint16(c.Data))) / 100.0, true // dBm x100
		}
	}

	if rt.PeakRSSI != nil {
		return float64(*rt.PeakRSSI), true
	}
	return 0, false
}

// ExtractTID returns the serialized TID Impinj readers can attach to a report.
func (rt *TagReportData) ExtractTID() ([]byte, bool) {
	for _, c := range rt.Custom {
		if c.Is(PENImpinj, ImpinjSerializedTID) && len(c.Data) >= 2 {
			n := int(binary.BigEndian.Uint16(c.Data))
			if len(c.Data) != 2+2*n {
				return nil, false
			}
			return c.Data[2:], true
		}
	}
	return nil, false
}

// ReadDataAsHex returns a hex string representation of a ReadOpSpecResult
// if the TagReportData has one and its result type indicates success.
func (rt *TagReportData) ReadDataAsHex() (data string, ok bool) {
	if rt.C1G2ReadOpSpecResult == nil {
		return
	}

	res := rt.C1G2ReadOpSpecResult
	if res.C1G2ReadOpSpecResultType == readResultSuccess {
		data = wordsToHex(res.Data)
		ok = true
	}

	return
}

// EPCHex returns the report's EPC as upper case hex, the way EPCs are usually written.
func (rt *TagReportData) EPCHex() string {
	return strings.ToUpper(hex.EncodeToString(rt.EPC))
}

// centiDBm converts dBm to the dBm x100 Impinj uses, saturating at the int16 limits.
func centiDBm(dbm float64) int16 {
	v := math.Round(dbm * 100)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// peakRSSI rounds dBm to the whole dBm of the standard PeakRSSI parameter.
func peakRSSI(dbm float64) int8 {
	v := math.Round(dbm)
	switch {
	case v > math.MaxInt8:
		return math.MaxInt8
	case v < math.MinInt8:
		return math.MinInt8
	}
	return int8(v)
}

// countU16 saturates a count to the u16 of the inventory summary.
func countU16(n int) uint16 {
	switch {
	case n > math.MaxUint16:
		return math.MaxUint16
	case n < 0:
		return 0
	}
	return uint16(n)
}
