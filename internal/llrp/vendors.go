//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"strconv"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
)

type VendorPEN uint32

const (
	PENImpinj = VendorPEN(25882)
	PENAlien  = VendorPEN(17996)
	PENZebra  = VendorPEN(10642)
)

type ImpinjModel uint32

const (
	SpeedwayR220 = ImpinjModel(2001001)
	SpeedwayR420 = ImpinjModel(2001002)
	XPortal      = ImpinjModel(2001003)
	SpeedwayR120 = ImpinjModel(2001009)
	R700         = ImpinjModel(2001052)
)

func (m ImpinjModel) String() string {
	switch m {
	case SpeedwayR220:
		return "Speedway R220"
	case SpeedwayR420:
		return "Speedway R420"
	case XPortal:
		return "xPortal"
	case SpeedwayR120:
		return "Speedway R120"
	case R700:
		return "R700"
	}
	return "Impinj model " + strconv.FormatUint(uint64(m), 10)
}

type ImpinjParamSubtype = CustomParamSubtype

const (
	ImpinjSearchMode               = ImpinjParamSubtype(23)
	ImpinjTagReportContentSelector = ImpinjParamSubtype(50)
	ImpinjSerializedTID            = ImpinjParamSubtype(51)
	ImpinjEnablePeakRSSI           = ImpinjParamSubtype(53)
	ImpinjPeakRSSI                 = ImpinjParamSubtype(57)

	// InventorySummary is not an Impinj parameter.
	// The emulated firmware attaches it to every inventory report
	// to say how many tags answered and how many were never singulated,
	// which real readers only expose through their diagnostics.
	InventorySummary = ImpinjParamSubtype(0x53470001)
)

// impinjSearchMode is like a really limited version of standard state-aware filtering
// with added ambiguity about what C1G2 commands the Reader might send.
type impinjSearchMode = uint16

const (
	// impSearchReaderSelected is the "default" search mode.
	// There's no way to know exactly what it will do.
	impSearchReaderSelected = impinjSearchMode(0)

	// impSearchQueryAtoB Impinj calls "Single Target".
	// Singulated tags' Session flag moves to B and they stay quiet
	// for as long as the session's persistence lasts.
	impSearchQueryAtoB = impinjSearchMode(1)

	// impSearchQueryAtoBtoA Impinj calls "Dual Target Inventory".
	// It inventories A->B until quiet, then B->A until quiet, repeatedly.
	impSearchQueryAtoBtoA = impinjSearchMode(2)

	// impSearchQueryAtoBSupMonzaS1 is Single Target with Impinj's TagFocus,
	// which refreshes Monza tags' S1 persistence.
	impSearchQueryAtoBSupMonzaS1 = impinjSearchMode(3)

	// impSearchQueryBtoA Impinj calls "Single Target Reset".
	impSearchQueryBtoA = impinjSearchMode(5)

	// impSearchSelToAQueryAtoB Impinj calls "Dual Target Inventory with Reset",
	// and says is good for "High tag count, high-throughput [with] repeated observation".
	impSearchSelToAQueryAtoB = impinjSearchMode(6)
)

// searchModeFor picks the Impinj search mode that best fits a scan type.
// Deeper scans revisit the population, so they use the dual target modes.
func searchModeFor(s protocol.ScanType) impinjSearchMode {
	switch s {
	case protocol.ScanFast:
		return impSearchQueryAtoB
	case protocol.ScanDeep:
		return impSearchSelToAQueryAtoB
	}
	return impSearchQueryAtoBtoA
}

// scanTypeFor is the inverse of searchModeFor,
// also mapping the modes searchModeFor never picks.
func scanTypeFor(m impinjSearchMode) (protocol.ScanType, bool) {
	switch m {
	case impSearchQueryAtoB, impSearchQueryBtoA, impSearchQueryAtoBSupMonzaS1:
		return protocol.ScanFast, true
	case impSearchQueryAtoBtoA, impSearchReaderSelected:
		return protocol.ScanNormal, true
	case impSearchSelToAQueryAtoB:
		return protocol.ScanDeep, true
	}
	return 0, false
}

// impinjEnableBool16 returns the encoding of a Custom parameter
// that consists only of a boolean value represented as a uint16,
// since Impinj uses them often as sub-parameters of their own Custom parameters.
func impinjEnableBool16(subtype ImpinjParamSubtype) []byte {
	const (
		pen0 = uint8(0xff & (uint32(PENImpinj) >> (8 * (3 - iota))))
		pen1
		pen2
		pen3
	)

	return []byte{
		0x03, 0xff, 0, 14, // param type & length (incl. header)
		pen0, pen1, pen2, pen3,
		uint8(subtype >> 24), uint8(subtype >> 16), uint8(subtype >> 8), uint8(subtype),
		0, 1, // data (uint16, 0=disabled, 1=enabled)
	}
}

// Is returns true if the Custom receiver is the specified Vendor and Subtype.
func (c *Custom) Is(vendor VendorPEN, subtype CustomParamSubtype) bool {
	return VendorPEN(c.VendorID) == vendor && c.Subtype == subtype
}
