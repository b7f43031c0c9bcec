//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/config"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
)

// demoKeyHex is public. It exists so --demo works out of the box.
const demoKeyHex = "53616d706c6547756172642064656d6f206b65792c206e6f7420736563726574"

func demoMasterKey() []byte {
	key, err := hex.DecodeString(demoKeyHex)
	if err != nil {
		panic(err)
	}
	return key
}

// demoTags returns a small population that shows off each integrity outcome:
// healthy samples, one close to expiry, one expired, and one blank tag.
func demoTags(now time.Time) []config.TagConfig {
	day := 24 * time.Hour
	frozen := &tag.TemperatureRange{MinC: -80, MaxC: -20}
	cold := &tag.TemperatureRange{MinC: 2, MaxC: 8}

	samples := []struct {
		id      string
		batch   string
		age     time.Duration
		life    time.Duration
		temp    *tag.TemperatureRange
		storage string
	}{
		{"DEMO-PLASMA-01", "B-2201", 10 * day, 365 * day, frozen, "Frozen, upright"},
		{"DEMO-PLASMA-02", "B-2201", 10 * day, 365 * day, frozen, "Frozen, upright"},
		{"DEMO-VACCINE-01", "V-0415", 170 * day, 180 * day, cold, "Refrigerated"},
		{"DEMO-REAGENT-01", "R-0099", 400 * day, 365 * day, cold, "Refrigerated, dark"},
	}

	tags := make([]config.TagConfig, 0, len(samples)+1)
	for i, s := range samples {
		produced := now.Add(-s.age).Truncate(time.Second)
		tags = append(tags, config.TagConfig{
			TagID:    fmt.Sprintf("DEMO-%04d", i+1),
			EPC:      fmt.Sprintf("E2801160600002DE%08X", i+1),
			Antenna:  uint16(1 + i%2),
			BaseRSSI: -48 - float64(i)*3,
			Sample: &config.SampleConfig{
				SampleID:          s.id,
				BatchNumber:       s.batch,
				ProducedAt:        produced,
				ExpiresAt:         produced.Add(s.life),
				Temperature:       s.temp,
				StorageConditions: s.storage,
				Manufacturer:      "SampleGuard Demo Labs",
				ProductLine:       "Demo",
			},
		})
	}

	tags = append(tags, config.TagConfig{
		TagID:    fmt.Sprintf("DEMO-%04d", len(samples)+1),
		EPC:      fmt.Sprintf("E2801160600002DE%08X", len(samples)+1),
		Antenna:  1,
		BaseRSSI: -60,
	})
	return tags
}
