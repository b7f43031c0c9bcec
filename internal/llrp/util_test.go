//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWordsToHex(t *testing.T) {
	var tests = []struct {
		name string
		x    []uint16
		want string
	}{
		{
			name: "OK - empty",
			x:    []uint16{},
			want: "",
		},
		{
			name: "OK - range: 0-7",
			x:    []uint16{0, 1, 2, 3, 4, 5, 6, 7},
			want: "00000001000200030004000500060007",
		},
		{
			name: "OK - range: f8-ff",
			x:    []uint16{0xf8, 0xf9, 0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff},
			want: "00f800f900fa00fb00fc00fd00fe00ff",
		},
		{
			name: "OK - high bytes",
			x:    []uint16{0xe3a1, 0x3008},
			want: "e3a13008",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := wordsToHex(tt.x)
			require.Equal(t, tt.want, res)
		})
	}
}

func TestBytesToWords(t *testing.T) {
	var tests = []struct {
		name  string
		b     []byte
		words []uint16
		back  []byte
	}{
		{"empty", nil, []uint16{}, []byte{}},
		{"even", []byte{0x30, 0x08, 0xAB, 0xCD}, []uint16{0x3008, 0xABCD}, []byte{0x30, 0x08, 0xAB, 0xCD}},
		{"odd pads", []byte{0x01, 0x02, 0x03}, []uint16{0x0102, 0x0300}, []byte{0x01, 0x02, 0x03, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := bytesToWords(tt.b)
			require.Equal(t, tt.words, w)
			require.Equal(t, tt.back, wordsToBytes(w))
		})
	}
}

func peakHelper(val int8) *int8 {
	return &val
}

func TestExtractRSSI(t *testing.T) {
	centi := func(v int16) []byte {
		return binary.BigEndian.AppendUint16(nil, uint16(v))
	}

	tests := []struct {
		name  string
		rt    TagReportData
		want  float64
		want1 bool
	}{
		{
			name:  "OK",
			rt:    TagReportData{PeakRSSI: new(int8)},
			want:  float64(0),
			want1: true,
		},
		{
			name:  "OK - peak value",
			rt:    TagReportData{PeakRSSI: peakHelper(-61)},
			want:  float64(-61),
			want1: true,
		},
		{
			name:  "OK - nil",
			rt:    TagReportData{},
			want:  float64(0),
			want1: false,
		},
		{
			name: "OK - custom preferred",
			rt: TagReportData{
				PeakRSSI: peakHelper(-61),
				Custom:   []Custom{{VendorID: uint32(PENImpinj), Subtype: ImpinjPeakRSSI, Data: centi(-6037)}},
			},
			want:  -60.37,
			want1: true,
		},
		{
			name: "OK - other vendor ignored",
			rt: TagReportData{
				Custom: []Custom{{VendorID: uint32(PENZebra), Subtype: ImpinjPeakRSSI, Data: centi(-6037)}},
			},
			want:  0,
			want1: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1 := tt.rt.ExtractRSSI()
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.want1, got1)
		})
	}
}

func TestReadDataAsHex(t *testing.T) {
	tests := []struct {
		name     string
		res      *C1G2ReadOpSpecResult
		wantData string
		wantOk   bool
	}{
		{
			name:     "OK - nil",
			res:      nil,
			wantData: "",
			wantOk:   false,
		},
		{
			name:     "OK - default values",
			res:      new(C1G2ReadOpSpecResult),
			wantData: wordsToHex([]uint16{}),
			wantOk:   true,
		},
		{
			name:     "OK - data",
			res:      &C1G2ReadOpSpecResult{Data: []uint16{0xDEAD, 0xBEEF}},
			wantData: "deadbeef",
			wantOk:   true,
		},
		{
			name:     "failed read",
			res:      &C1G2ReadOpSpecResult{C1G2ReadOpSpecResultType: readResultNoResponse, Data: []uint16{1}},
			wantData: "",
			wantOk:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &TagReportData{C1G2ReadOpSpecResult: tt.res}
			gotData, gotOk := rt.ReadDataAsHex()
			require.Equal(t, tt.wantData, gotData)
			require.Equal(t, tt.wantOk, gotOk)
		})
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name    string
		c       Custom
		idType  VendorPEN
		subtype CustomParamSubtype
		want    bool
	}{
		{
			name:    "OK",
			c:       Custom{VendorID: uint32(PENImpinj), Subtype: ImpinjTagReportContentSelector, Data: impinjEnableBool16(ImpinjSearchMode)},
			idType:  PENImpinj,
			subtype: ImpinjTagReportContentSelector,
			want:    true,
		},
		{
			name:    "OK - mismatched subtype",
			c:       Custom{VendorID: uint32(PENImpinj), Subtype: ImpinjTagReportContentSelector, Data: impinjEnableBool16(ImpinjEnablePeakRSSI)},
			idType:  PENImpinj,
			subtype: ImpinjPeakRSSI,
			want:    false,
		},
		{
			name:    "OK - mismatched idType",
			c:       Custom{VendorID: uint32(PENImpinj), Subtype: ImpinjTagReportContentSelector, Data: impinjEnableBool16(ImpinjEnablePeakRSSI)},
			idType:  PENAlien,
			subtype: ImpinjTagReportContentSelector,
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.c.Is(tt.idType, tt.subtype))
		})
	}
}

func TestImpinjEnableBool16(t *testing.T) {
	b := impinjEnableBool16(ImpinjEnablePeakRSSI)
	require.Len(t, b, 14)

	r := fieldReader{b: b}
	ps := r.params()
	require.NoError(t, r.err)
	require.Len(t, ps, 1)
	require.Equal(t, ParamCustom, ps[0].typ)

	c, err := decodeCustom(ps[0].body)
	require.NoError(t, err)
	require.True(t, c.Is(PENImpinj, ImpinjEnablePeakRSSI))
	require.Equal(t, []byte{0, 1}, c.Data)
}

func TestRSSIConversions(t *testing.T) {
	require.Equal(t, int16(-6037), centiDBm(-60.37))
	require.Equal(t, int16(32767), centiDBm(400))
	require.Equal(t, int8(-60), peakRSSI(-60.37))
	require.Equal(t, int8(-128), peakRSSI(-300))
}
