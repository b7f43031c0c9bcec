//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package llrp speaks a subset of the Low Level Reader Protocol
// the way an Impinj Speedway does, for the emulator's Impinj readers.
//
// Commands map onto LLRP messages as follows:
//
//	get-version  GET_SUPPORTED_VERSION / _RESPONSE
//	configure    SET_READER_CONFIG / _RESPONSE
//	inventory    START_ROSPEC / _RESPONSE, then RO_ACCESS_REPORT
//	read, write  ADD_ACCESSSPEC / _RESPONSE, then RO_ACCESS_REPORT
//
// A response and the report that follows it travel in one frame
// and carry the command's message ID.
// The emulated firmware keeps one ROSpec per antenna:
// ROSpec 1 inventories every enabled antenna, and ROSpec 1+n only antenna n.
package llrp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"github.com/pkg/errors"
)

// DefaultProfile describes a Speedway R420.
func DefaultProfile() protocol.Profile {
	return protocol.Profile{
		Vendor:           protocol.VendorImpinj,
		Model:            SpeedwayR420.String(),
		FirmwareVersion:  "5.14.0",
		ProtocolName:     "LLRP",
		ProtocolVersions: []string{Version1_0_1.String(), Version1_1.String()},
		AntennaCount:     4,
		MemoryBanks: []protocol.MemoryBank{
			protocol.BankReserved, protocol.BankEPC, protocol.BankTID, protocol.BankUser,
		},
		PowerTable:      protocol.PowerSteps(10, 30, 0.25),
		FrequencyBand:   "FCC 902-928 MHz",
		MaxReadRangeCM:  900,
		MaxUserMemory:   2048,
		DefaultPowerDBm: 30,
		NetworkDelay:    8 * time.Millisecond,
	}
}

// Dialect implements protocol.Dialect for LLRP.
type Dialect struct {
	profile protocol.Profile
}

func NewDialect() *Dialect {
	return &Dialect{profile: DefaultProfile()}
}

func (d *Dialect) Vendor() protocol.Vendor   { return protocol.VendorImpinj }
func (d *Dialect) Profile() protocol.Profile { return d.profile }

// singulation returns the singulation parameters that suit a scan type.
func singulation(p protocol.Params) *C1G2SingulationControl {
	sc := &C1G2SingulationControl{Session: p.Session}
	switch p.ScanType {
	case protocol.ScanFast:
		sc.TagPopulation, sc.TagTransitTime = 500, 500
	case protocol.ScanDeep:
		sc.TagPopulation, sc.TagTransitTime = 3000, 10000
	default:
		sc.TagPopulation, sc.TagTransitTime = 1000, 5000
	}
	return sc
}

// NewConfig returns the SET_READER_CONFIG equivalent of p.
func (d *Dialect) NewConfig(p protocol.Params) *SetReaderConfig {
	pwrIdx, _ := d.profile.FindPower(p.PowerDBm)
	mode := searchModeFor(p.ScanType)

	conf := &SetReaderConfig{}
	for _, a := range p.Antennas {
		conf.AntennaConfigurations = append(conf.AntennaConfigurations, AntennaConfiguration{
			AntennaID: a,
			RFTransmitter: &RFTransmitter{
				HopTableID:    1,
				ChannelIndex:  1,
				TransmitPower: pwrIdx,
			},
			C1G2InventoryCommand: &C1G2InventoryCommand{
				SingulationControl: singulation(p),
				Custom: []Custom{{
					VendorID: uint32(PENImpinj),
					Subtype:  ImpinjSearchMode,
					Data:     []byte{uint8(mode >> 8), uint8(mode & 0xFF)},
				}},
			},
		})
	}

	conf.Custom = append(conf.Custom, Custom{
		VendorID: uint32(PENImpinj),
		Subtype:  ImpinjTagReportContentSelector,
		Data:     impinjEnableBool16(ImpinjEnablePeakRSSI),
	})
	return conf
}

// Params reverses NewConfig.
// Parameters the configuration can't express come back invalid,
// so the firmware rejects them.
func (d *Dialect) Params(conf *SetReaderConfig) protocol.Params {
	var p protocol.Params
	for i, ac := range conf.AntennaConfigurations {
		p.Antennas = append(p.Antennas, ac.AntennaID)
		if i > 0 {
			continue
		}

		if t := ac.RFTransmitter; t != nil {
			p.PowerDBm, _ = d.profile.PowerAt(t.TransmitPower)
		}

		p.ScanType = protocol.ScanType(-1)
		ic := ac.C1G2InventoryCommand
		if ic == nil {
			continue
		}
		if sc := ic.SingulationControl; sc != nil {
			p.Session = sc.Session
		}
		for _, c := range ic.Custom {
			if c.Is(PENImpinj, ImpinjSearchMode) && len(c.Data) == 2 {
				if st, ok := scanTypeFor(binary.BigEndian.Uint16(c.Data)); ok {
					p.ScanType = st
				}
			}
		}
	}
	return p
}

// tidTarget selects a tag by its TID.
func tidTarget(tagID string) C1G2TargetTag {
	data := []byte(tagID)
	return C1G2TargetTag{
		MB:    uint8(protocol.BankTID),
		Match: true,
		Mask:  bytes.Repeat([]byte{0xFF}, len(data)),
		Data:  data,
	}
}

func (d *Dialect) EncodeCommand(cmd protocol.Command) ([]byte, error) {
	switch cmd.Op {
	case protocol.OpGetVersion:
		return newMessage(MsgGetSupportedVersion, cmd.Seq).finish(), nil

	case protocol.OpConfigure:
		conf := d.NewConfig(cmd.Params)
		m := newMessage(MsgSetReaderConfig, cmd.Seq)
		m.u8(0) // don't reset to factory defaults
		for _, ac := range conf.AntennaConfigurations {
			ac.encode(m)
		}
		for _, c := range conf.Custom {
			c.encode(m)
		}
		return m.finish(), nil

	case protocol.OpInventory:
		roSpecID := uint32(1)
		switch len(cmd.Antennas) {
		case 0:
		case 1:
			roSpecID += uint32(cmd.Antennas[0])
		default:
			return nil, errors.Errorf("LLRP inventory can target one antenna or all, not %v",
				cmd.Antennas)
		}
		m := newMessage(MsgStartROSpec, cmd.Seq)
		m.u32(roSpecID)
		return m.finish(), nil

	case protocol.OpRead, protocol.OpWrite:
		spec := AccessSpec{AccessSpecID: cmd.Seq, Target: tidTarget(cmd.TagID)}
		if cmd.Op == protocol.OpRead {
			spec.Read = &C1G2Read{OpSpecID: 1, MB: uint8(cmd.Bank)}
		} else {
			spec.Write = &C1G2Write{OpSpecID: 1, MB: uint8(cmd.Bank), Data: bytesToWords(cmd.Data)}
		}
		m := newMessage(MsgAddAccessSpec, cmd.Seq)
		spec.encode(m)
		return m.finish(), nil
	}

	return nil, errors.Errorf("no LLRP message for %s", cmd.Op)
}

func (d *Dialect) DecodeCommand(frame []byte) (protocol.Command, error) {
	hdrs, bodies, err := splitMessages(frame)
	if err != nil {
		return protocol.Command{}, err
	}
	if len(hdrs) != 1 {
		return protocol.Command{}, errFraming("expected one message, got %d", len(hdrs))
	}

	h, body := hdrs[0], bodies[0]
	cmd := protocol.Command{Seq: h.ID}
	r := fieldReader{b: body}

	switch h.Type {
	case MsgGetSupportedVersion:
		cmd.Op = protocol.OpGetVersion

	case MsgSetReaderConfig:
		cmd.Op = protocol.OpConfigure
		conf := &SetReaderConfig{ResetToFactoryDefaults: r.u8()&0x80 != 0}
		for _, p := range r.params() {
			switch p.typ {
			case ParamAntennaConfiguration:
				ac, err := decodeAntennaConfiguration(p.body)
				if err != nil {
					return cmd, err
				}
				conf.AntennaConfigurations = append(conf.AntennaConfigurations, ac)
			case ParamCustom:
				c, err := decodeCustom(p.body)
				if err != nil {
					return cmd, err
				}
				conf.Custom = append(conf.Custom, c)
			}
		}
		cmd.Params = d.Params(conf)

	case MsgStartROSpec:
		cmd.Op = protocol.OpInventory
		switch id := r.u32(); {
		case id == 0:
			return cmd, errFraming("ROSpecID 0 is reserved")
		case id > 1:
			cmd.Antennas = []uint16{uint16(id - 1)}
		}

	case MsgAddAccessSpec:
		var spec AccessSpec
		for _, p := range r.params() {
			if p.typ != ParamAccessSpec {
				continue
			}
			if spec, err = decodeAccessSpec(p.body); err != nil {
				return cmd, err
			}
		}

		cmd.TagID = string(spec.Target.Data)
		switch {
		case spec.Read != nil:
			cmd.Op = protocol.OpRead
			cmd.Bank = protocol.MemoryBank(spec.Read.MB)
		case spec.Write != nil:
			cmd.Op = protocol.OpWrite
			cmd.Bank = protocol.MemoryBank(spec.Write.MB)
			cmd.Data = wordsToBytes(spec.Write.Data)
		default:
			return cmd, errFraming("AccessSpec has no operation")
		}

	default:
		return cmd, errFraming("unsupported LLRP message type %d", h.Type)
	}

	return cmd, r.err
}

func llrpStatus(resp protocol.Response) LLRPStatus {
	s := LLRPStatus{ErrorDescription: resp.Message}
	switch resp.Status {
	case protocol.StatusRejected:
		s.Status = StatusMsgFieldError
	case protocol.StatusUnsupportedVersion:
		s.Status = StatusMsgUnsupportedVersion
	case protocol.StatusOutOfSequence, protocol.StatusDeviceError:
		s.Status = StatusReaderDeviceError
		if s.ErrorDescription == "" {
			s.ErrorDescription = resp.Status.String()
		}
	default:
		// Air failures are reported per tag, not per message.
		s.Status = StatusSuccess
		s.ErrorDescription = ""
	}
	return s
}

func (d *Dialect) EncodeResponse(resp protocol.Response) ([]byte, error) {
	status := llrpStatus(resp)

	switch resp.Op {
	case protocol.OpGetVersion:
		v, ok := parseVersion(resp.Version)
		if !ok {
			return nil, errors.Errorf("%q is not an LLRP version", resp.Version)
		}
		m := newMessage(MsgGetSupportedVersionResponse, resp.Seq)
		m.u8(uint8(v))
		m.u8(uint8(v))
		status.encode(m)
		return m.finish(), nil

	case protocol.OpConfigure:
		m := newMessage(MsgSetReaderConfigResponse, resp.Seq)
		status.encode(m)
		return m.finish(), nil

	case protocol.OpInventory:
		m := newMessage(MsgStartROSpecResponse, resp.Seq)
		status.encode(m)
		frame := m.finish()
		if status.Status != StatusSuccess {
			return frame, nil
		}
		return append(frame, inventoryReport(resp)...), nil

	case protocol.OpRead, protocol.OpWrite:
		m := newMessage(MsgAddAccessSpecResponse, resp.Seq)
		status.encode(m)
		frame := m.finish()
		if status.Status != StatusSuccess {
			return frame, nil
		}
		return append(frame, accessReport(resp)...), nil
	}

	return nil, errors.Errorf("no LLRP message for %s", resp.Op)
}

func inventoryReport(resp protocol.Response) []byte {
	m := newMessage(MsgROAccessReport, resp.Seq)
	for _, o := range resp.Observations {
		epc, _ := hex.DecodeString(o.EPC)
		ant := o.Antenna
		rssi := peakRSSI(o.RSSI)
		seen := uint64(o.SeenAt.UnixMicro())

		tid := bytesToWords([]byte(o.TagID))
		tidData := binary.BigEndian.AppendUint16(nil, uint16(len(tid)))
		tidData = append(tidData, wordsToBytes(tid)...)

		TagReportData{
			EPC:          epc,
			AntennaID:    &ant,
			PeakRSSI:     &rssi,
			FirstSeenUTC: &seen,
			Custom: []Custom{
				{
					VendorID: uint32(PENImpinj),
					Subtype:  ImpinjPeakRSSI,
					Data:     binary.BigEndian.AppendUint16(nil, uint16(centiDBm(o.RSSI))),
				},
				{
					VendorID: uint32(PENImpinj),
					Subtype:  ImpinjSerializedTID,
					Data:     tidData,
				},
			},
		}.encode(m)
	}

	var collision uint8
	if resp.Collision {
		collision = 1
	}
	summary := binary.BigEndian.AppendUint16(nil, countU16(resp.Visible))
	summary = binary.BigEndian.AppendUint16(summary, countU16(resp.Unresolved))
	summary = append(summary, collision)
	Custom{VendorID: uint32(PENImpinj), Subtype: InventorySummary, Data: summary}.encode(m)

	return m.finish()
}

// accessReport reports the outcome of an AccessSpec.
// A tag that never answered simply doesn't appear.
func accessReport(resp protocol.Response) []byte {
	m := newMessage(MsgROAccessReport, resp.Seq)
	if resp.Status == protocol.StatusTagNotFound {
		return m.finish()
	}

	rt := TagReportData{}
	if resp.Op == protocol.OpRead {
		res := &C1G2ReadOpSpecResult{OpSpecID: 1}
		if resp.Status == protocol.StatusReadFailure {
			res.C1G2ReadOpSpecResultType = readResultNoResponse
		} else {
			res.Data = bytesToWords(resp.Data)
		}
		rt.C1G2ReadOpSpecResult = res
	} else {
		res := &C1G2WriteOpSpecResult{OpSpecID: 1}
		if resp.Status == protocol.StatusWriteFailure {
			res.C1G2WriteOpSpecResultType = writeResultNoResponse
		}
		rt.C1G2WriteOpSpecResult = res
	}
	rt.encode(m)
	return m.finish()
}

func (d *Dialect) DecodeResponse(frame []byte, cmd protocol.Command) (protocol.Response, error) {
	hdrs, bodies, err := splitMessages(frame)
	if err != nil {
		return protocol.Response{}, err
	}

	h, body := hdrs[0], bodies[0]
	resp := protocol.Response{Seq: h.ID}
	r := fieldReader{b: body}

	switch h.Type {
	case MsgGetSupportedVersionResponse:
		resp.Op = protocol.OpGetVersion
		resp.Version = VersionNum(r.u8()).String()
		r.u8()
	case MsgSetReaderConfigResponse:
		resp.Op = protocol.OpConfigure
	case MsgStartROSpecResponse:
		resp.Op = protocol.OpInventory
	case MsgAddAccessSpecResponse:
		resp.Op = protocol.OpRead
		if cmd.Op == protocol.OpWrite {
			resp.Op = protocol.OpWrite
		} else {
			resp.Bank = cmd.Bank
		}
	default:
		return resp, errFraming("unexpected LLRP message type %d", h.Type)
	}

	status, err := findStatus(&r)
	if err != nil {
		return resp, err
	}
	resp.Message = status.ErrorDescription
	switch status.Status {
	case StatusSuccess:
	case StatusMsgParamError, StatusMsgFieldError:
		resp.Status = protocol.StatusRejected
	case StatusMsgUnsupportedVersion:
		resp.Status = protocol.StatusUnsupportedVersion
	default:
		resp.Status = protocol.StatusDeviceError
	}

	if resp.Op == protocol.OpGetVersion || resp.Op == protocol.OpConfigure ||
		resp.Status != protocol.StatusOK {
		if len(hdrs) != 1 {
			return resp, errFraming("unexpected message after %d", h.Type)
		}
		return resp, nil
	}

	if len(hdrs) != 2 || hdrs[1].Type != MsgROAccessReport {
		return resp, errFraming("expected an RO_ACCESS_REPORT after message %d", h.Type)
	}
	if hdrs[1].ID != h.ID {
		return resp, errFraming("report ID %d doesn't match response ID %d", hdrs[1].ID, h.ID)
	}

	report, err := decodeReport(bodies[1])
	if err != nil {
		return resp, err
	}

	if resp.Op == protocol.OpInventory {
		decodeInventory(report, &resp)
		return resp, nil
	}
	return resp, decodeAccess(report, &resp)
}

func findStatus(r *fieldReader) (LLRPStatus, error) {
	for _, p := range r.params() {
		if p.typ == ParamLLRPStatus {
			return decodeLLRPStatus(p.body)
		}
	}
	if r.err != nil {
		return LLRPStatus{}, r.err
	}
	return LLRPStatus{}, errFraming("response has no LLRPStatus")
}

func decodeReport(body []byte) (*ROAccessReport, error) {
	report := &ROAccessReport{}
	r := fieldReader{b: body}
	for _, p := range r.params() {
		switch p.typ {
		case ParamTagReportData:
			rt, err := decodeTagReportData(p.body)
			if err != nil {
				return nil, err
			}
			report.TagReportData = append(report.TagReportData, rt)
		case ParamCustom:
			c, err := decodeCustom(p.body)
			if err != nil {
				return nil, err
			}
			report.Custom = append(report.Custom, c)
		}
	}
	return report, r.err
}

func decodeInventory(report *ROAccessReport, resp *protocol.Response) {
	for i := range report.TagReportData {
		rt := &report.TagReportData[i]
		o := protocol.Observation{EPC: rt.EPCHex()}
		if rt.AntennaID != nil {
			o.Antenna = *rt.AntennaID
		}
		o.RSSI, _ = rt.ExtractRSSI()
		if rt.FirstSeenUTC != nil {
			o.SeenAt = time.UnixMicro(int64(*rt.FirstSeenUTC)).UTC()
		}
		if tid, ok := rt.ExtractTID(); ok {
			o.TagID = string(bytes.TrimRight(tid, "\x00"))
		}
		resp.Observations = append(resp.Observations, o)
	}

	resp.Visible = len(resp.Observations)
	for i := range report.Custom {
		c := &report.Custom[i]
		if c.Is(PENImpinj, InventorySummary) && len(c.Data) == 5 {
			if v := int(binary.BigEndian.Uint16(c.Data)); v > resp.Visible {
				resp.Visible = v
			}
			resp.Unresolved = int(binary.BigEndian.Uint16(c.Data[2:]))
			resp.Collision = c.Data[4] != 0
		}
	}
}

func decodeAccess(report *ROAccessReport, resp *protocol.Response) error {
	if len(report.TagReportData) == 0 {
		resp.Status = protocol.StatusTagNotFound
		resp.Message = "no tag matched the access spec"
		return nil
	}

	rt := &report.TagReportData[0]
	switch resp.Op {
	case protocol.OpRead:
		res := rt.C1G2ReadOpSpecResult
		if res == nil {
			return errFraming("report has no read result")
		}
		switch res.C1G2ReadOpSpecResultType {
		case readResultSuccess:
			resp.Data = wordsToBytes(res.Data)
		case readResultNoResponse:
			resp.Status = protocol.StatusReadFailure
			resp.Message = "no response from tag"
		default:
			resp.Status = protocol.StatusDeviceError
		}

	case protocol.OpWrite:
		res := rt.C1G2WriteOpSpecResult
		if res == nil {
			return errFraming("report has no write result")
		}
		switch res.C1G2WriteOpSpecResultType {
		case writeResultSuccess:
		case writeResultNoResponse:
			resp.Status = protocol.StatusWriteFailure
			resp.Message = "no response from tag"
		default:
			resp.Status = protocol.StatusDeviceError
		}
	}
	return nil
}
