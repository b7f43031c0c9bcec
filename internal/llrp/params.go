//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"fmt"
)

type VersionNum uint8

const (
	Version1_0_1 = VersionNum(1)
	Version1_1   = VersionNum(2)

	versionMax = VersionNum(7)
)

func (v VersionNum) String() string {
	switch v {
	case Version1_0_1:
		return "1.0.1"
	case Version1_1:
		return "1.1"
	}
	return fmt.Sprintf("v%d", uint8(v))
}

// parseVersion reverses VersionNum.String.
func parseVersion(s string) (VersionNum, bool) {
	for v := Version1_0_1; v <= versionMax; v++ {
		if v.String() == s {
			return v, true
		}
	}
	return 0, false
}

type StatusCode uint16

const (
	StatusSuccess               = StatusCode(0)
	StatusMsgParamError         = StatusCode(100)
	StatusMsgFieldError         = StatusCode(101)
	StatusMsgUnsupportedMessage = StatusCode(109)
	StatusMsgUnsupportedVersion = StatusCode(110)
	StatusReaderDeviceError     = StatusCode(401)
)

type LLRPStatus struct {
	Status           StatusCode
	ErrorDescription string
}

func (s LLRPStatus) encode(m *msgBuilder) {
	m.tlv(ParamLLRPStatus, func() {
		m.u16(uint16(s.Status))
		m.str(s.ErrorDescription)
	})
}

func decodeLLRPStatus(body []byte) (LLRPStatus, error) {
	r := fieldReader{b: body}
	s := LLRPStatus{Status: StatusCode(r.u16()), ErrorDescription: r.str()}
	return s, r.err
}

type GetSupportedVersionResponse struct {
	CurrentVersion      VersionNum
	MaxSupportedVersion VersionNum
	LLRPStatus          LLRPStatus
}

// Custom is a vendor extension parameter.
type Custom struct {
	VendorID uint32
	Subtype  CustomParamSubtype
	Data     []byte
}

type CustomParamSubtype = uint32

func (c Custom) encode(m *msgBuilder) {
	m.tlv(ParamCustom, func() {
		m.u32(c.VendorID)
		m.u32(c.Subtype)
		m.raw(c.Data)
	})
}

func decodeCustom(body []byte) (Custom, error) {
	r := fieldReader{b: body}
	c := Custom{VendorID: r.u32(), Subtype: r.u32()}
	c.Data = append([]byte(nil), r.b...)
	return c, r.err
}

type RFTransmitter struct {
	HopTableID    uint16
	ChannelIndex  uint16
	TransmitPower uint16 // 1-based index into the power table
}

type C1G2SingulationControl struct {
	Session        uint8
	TagPopulation  uint16
	TagTransitTime uint32
}

type C1G2InventoryCommand struct {
	TagInventoryStateAware bool
	SingulationControl     *C1G2SingulationControl
	Custom                 []Custom
}

type AntennaConfiguration struct {
	AntennaID            uint16
	RFTransmitter        *RFTransmitter
	C1G2InventoryCommand *C1G2InventoryCommand
}

func (ac AntennaConfiguration) encode(m *msgBuilder) {
	m.tlv(ParamAntennaConfiguration, func() {
		m.u16(ac.AntennaID)
		if t := ac.RFTransmitter; t != nil {
			m.tlv(ParamRFTransmitter, func() {
				m.u16(t.HopTableID)
				m.u16(t.ChannelIndex)
				m.u16(t.TransmitPower)
			})
		}
		if ic := ac.C1G2InventoryCommand; ic != nil {
			m.tlv(ParamC1G2InventoryCommand, func() {
				var flags uint8
				if ic.TagInventoryStateAware {
					flags = 0x80
				}
				m.u8(flags)
				if sc := ic.SingulationControl; sc != nil {
					m.tlv(ParamC1G2SingulationCtrl, func() {
						m.u8(sc.Session << 6)
						m.u16(sc.TagPopulation)
						m.u32(sc.TagTransitTime)
					})
				}
				for _, c := range ic.Custom {
					c.encode(m)
				}
			})
		}
	})
}

func decodeAntennaConfiguration(body []byte) (ac AntennaConfiguration, err error) {
	r := fieldReader{b: body}
	ac.AntennaID = r.u16()
	for _, p := range r.params() {
		pr := fieldReader{b: p.body}
		switch p.typ {
		case ParamRFTransmitter:
			ac.RFTransmitter = &RFTransmitter{
				HopTableID:    pr.u16(),
				ChannelIndex:  pr.u16(),
				TransmitPower: pr.u16(),
			}
		case ParamC1G2InventoryCommand:
			ic := &C1G2InventoryCommand{TagInventoryStateAware: pr.u8()&0x80 != 0}
			for _, sub := range pr.params() {
				switch sub.typ {
				case ParamC1G2SingulationCtrl:
					sr := fieldReader{b: sub.body}
					ic.SingulationControl = &C1G2SingulationControl{
						Session:        sr.u8() >> 6,
						TagPopulation:  sr.u16(),
						TagTransitTime: sr.u32(),
					}
					if sr.err != nil {
						return ac, sr.err
					}
				case ParamCustom:
					c, err := decodeCustom(sub.body)
					if err != nil {
						return ac, err
					}
					ic.Custom = append(ic.Custom, c)
				}
			}
			ac.C1G2InventoryCommand = ic
		}
		if pr.err != nil {
			return ac, pr.err
		}
	}
	return ac, r.err
}

type SetReaderConfig struct {
	ResetToFactoryDefaults bool
	AntennaConfigurations  []AntennaConfiguration
	Custom                 []Custom
}

// C1G2TargetTag selects the tag an AccessSpec applies to
// by matching Data against the given memory bank.
type C1G2TargetTag struct {
	MB      uint8
	Match   bool
	Pointer uint16
	Mask    []byte
	Data    []byte
}

type C1G2Read struct {
	OpSpecID       uint16
	AccessPassword uint32
	MB             uint8
	WordPtr        uint16
	WordCount      uint16 // 0 reads the whole bank
}

type C1G2Write struct {
	OpSpecID       uint16
	AccessPassword uint32
	MB             uint8
	WordPtr        uint16
	Data           []uint16
}

type AccessSpec struct {
	AccessSpecID uint32
	AntennaID    uint16
	ROSpecID     uint32
	Target       C1G2TargetTag
	Read         *C1G2Read
	Write        *C1G2Write
}

func (as AccessSpec) encode(m *msgBuilder) {
	m.tlv(ParamAccessSpec, func() {
		m.u32(as.AccessSpecID)
		m.u16(as.AntennaID)
		m.u8(1) // EPCGlobal Class 1 Gen 2
		m.u8(0) // disabled
		m.u32(as.ROSpecID)
		m.tlv(ParamAccessCommand, func() {
			m.tlv(ParamC1G2TagSpec, func() {
				t := as.Target
				m.tlv(ParamC1G2TargetTag, func() {
					flags := t.MB << 6
					if t.Match {
						flags |= 0x20
					}
					m.u8(flags)
					m.u16(t.Pointer)
					m.bits(t.Mask)
					m.bits(t.Data)
				})
			})
			if rd := as.Read; rd != nil {
				m.tlv(ParamC1G2Read, func() {
					m.u16(rd.OpSpecID)
					m.u32(rd.AccessPassword)
					m.u8(rd.MB << 6)
					m.u16(rd.WordPtr)
					m.u16(rd.WordCount)
				})
			}
			if wr := as.Write; wr != nil {
				m.tlv(ParamC1G2Write, func() {
					m.u16(wr.OpSpecID)
					m.u32(wr.AccessPassword)
					m.u8(wr.MB << 6)
					m.u16(wr.WordPtr)
					m.u16(uint16(len(wr.Data)))
					m.words(wr.Data)
				})
			}
		})
	})
}

func decodeAccessSpec(body []byte) (as AccessSpec, err error) {
	r := fieldReader{b: body}
	as.AccessSpecID = r.u32()
	as.AntennaID = r.u16()
	r.u8()
	r.u8()
	as.ROSpecID = r.u32()

	for _, p := range r.params() {
		if p.typ != ParamAccessCommand {
			continue
		}
		cr := fieldReader{b: p.body}
		for _, op := range cr.params() {
			or := fieldReader{b: op.body}
			switch op.typ {
			case ParamC1G2TagSpec:
				for _, tt := range or.params() {
					if tt.typ != ParamC1G2TargetTag {
						continue
					}
					tr := fieldReader{b: tt.body}
					flags := tr.u8()
					as.Target = C1G2TargetTag{
						MB:      flags >> 6,
						Match:   flags&0x20 != 0,
						Pointer: tr.u16(),
						Mask:    tr.bits(),
						Data:    tr.bits(),
					}
					if tr.err != nil {
						return as, tr.err
					}
				}
			case ParamC1G2Read:
				as.Read = &C1G2Read{
					OpSpecID:       or.u16(),
					AccessPassword: or.u32(),
					MB:             or.u8() >> 6,
					WordPtr:        or.u16(),
					WordCount:      or.u16(),
				}
			case ParamC1G2Write:
				as.Write = &C1G2Write{
					OpSpecID:       or.u16(),
					AccessPassword: or.u32(),
					MB:             or.u8() >> 6,
					WordPtr:        or.u16(),
					Data:           or.words(),
				}
			}
			if or.err != nil {
				return as, or.err
			}
		}
		if cr.err != nil {
			return as, cr.err
		}
	}
	return as, r.err
}

type C1G2ReadOpSpecResult struct {
	C1G2ReadOpSpecResultType uint8
	OpSpecID                 uint16
	Data                     []uint16
}

type C1G2WriteOpSpecResult struct {
	C1G2WriteOpSpecResultType uint8
	OpSpecID                  uint16
	NumWordsWritten           uint16
}

// Result types the emulator reports.
const (
	readResultSuccess    = uint8(0)
	readResultNoResponse = uint8(2)

	writeResultSuccess    = uint8(0)
	writeResultNoResponse = uint8(5)
)

// TagReportData is one tag's entry in an RO_ACCESS_REPORT.
type TagReportData struct {
	EPC          []byte
	AntennaID    *uint16
	PeakRSSI     *int8
	FirstSeenUTC *uint64 // microseconds since the epoch

	C1G2ReadOpSpecResult  *C1G2ReadOpSpecResult
	C1G2WriteOpSpecResult *C1G2WriteOpSpecResult

	Custom []Custom
}

func (rt TagReportData) encode(m *msgBuilder) {
	m.tlv(ParamTagReportData, func() {
		if len(rt.EPC) == 12 {
			m.tv(ParamEPC96)
			m.raw(rt.EPC)
		} else {
			m.tlv(ParamEPCData, func() { m.bits(rt.EPC) })
		}
		if rt.AntennaID != nil {
			m.tv(ParamAntennaID)
			m.u16(*rt.AntennaID)
		}
		if rt.PeakRSSI != nil {
			m.tv(ParamPeakRSSI)
			m.u8(uint8(*rt.PeakRSSI))
		}
		if rt.FirstSeenUTC != nil {
			m.tv(ParamFirstSeenUTC)
			m.u64(*rt.FirstSeenUTC)
		}
		if res := rt.C1G2ReadOpSpecResult; res != nil {
			m.tlv(ParamC1G2ReadOpSpecResult, func() {
				m.u8(res.C1G2ReadOpSpecResultType)
				m.u16(res.OpSpecID)
				m.u16(uint16(len(res.Data)))
				m.words(res.Data)
			})
		}
		if res := rt.C1G2WriteOpSpecResult; res != nil {
			m.tlv(ParamC1G2WriteOpSpecResult, func() {
				m.u8(res.C1G2WriteOpSpecResultType)
				m.u16(res.OpSpecID)
				m.u16(res.NumWordsWritten)
			})
		}
		for _, c := range rt.Custom {
			c.encode(m)
		}
	})
}

func decodeTagReportData(body []byte) (rt TagReportData, err error) {
	r := fieldReader{b: body}
	for _, p := range r.params() {
		pr := fieldReader{b: p.body}
		switch p.typ {
		case ParamEPC96:
			rt.EPC = append([]byte(nil), p.body...)
		case ParamEPCData:
			rt.EPC = pr.bits()
		case ParamAntennaID:
			a := pr.u16()
			rt.AntennaID = &a
		case ParamPeakRSSI:
			v := int8(pr.u8())
			rt.PeakRSSI = &v
		case ParamFirstSeenUTC:
			v := pr.u64()
			rt.FirstSeenUTC = &v
		case ParamC1G2ReadOpSpecResult:
			rt.C1G2ReadOpSpecResult = &C1G2ReadOpSpecResult{
				C1G2ReadOpSpecResultType: pr.u8(),
				OpSpecID:                 pr.u16(),
				Data:                     pr.words(),
			}
		case ParamC1G2WriteOpSpecResult:
			rt.C1G2WriteOpSpecResult = &C1G2WriteOpSpecResult{
				C1G2WriteOpSpecResultType: pr.u8(),
				OpSpecID:                  pr.u16(),
				NumWordsWritten:           pr.u16(),
			}
		case ParamCustom:
			c, err := decodeCustom(p.body)
			if err != nil {
				return rt, err
			}
			rt.Custom = append(rt.Custom, c)
		}
		if pr.err != nil {
			return rt, pr.err
		}
	}
	return rt, r.err
}

type ROAccessReport struct {
	TagReportData []TagReportData
	Custom        []Custom
}
