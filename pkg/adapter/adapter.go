// Package adapter maps printer model identifiers to their wire profile: the
// framing dialect, status-vector length, payload builder and text codepage.
package adapter

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/datecs-gw/fiscalgw/internal/protocol/datecs"
	"github.com/datecs-gw/fiscalgw/pkg/builder"
)

// Family groups models that share a wire grammar.
type Family string

const (
	// FamilyFP700MX is the X-generation (protocol 2.08, hex4 framing).
	FamilyFP700MX Family = "fp700mx"
	// FamilyFP2000 is the legacy generation (protocol 2.00BG, byte framing).
	FamilyFP2000 Family = "fp2000"
	// FamilyPinpad covers DatecsPay card readers. Not fiscal devices.
	FamilyPinpad Family = "pinpad"
)

// Profile describes one supported device model.
type Profile struct {
	Model  string
	Family Family
	// hidden models are aliases folded behind a generic entry in listings
	hidden bool
}

// Fiscal reports whether the model is a fiscal printer rather than a card
// reader.
func (p Profile) Fiscal() bool { return p.Family != FamilyPinpad }

// Dialect returns the framing dialect for fiscal models.
func (p Profile) Dialect() datecs.Dialect {
	if p.Family == FamilyFP2000 {
		return datecs.DialectByte
	}
	return datecs.DialectHex
}

// Builder returns the DATA serialiser for the model's family.
func (p Profile) Builder() builder.Builder {
	if p.Family == FamilyFP2000 {
		return builder.FP2000{}
	}
	return builder.FP700MX{}
}

// Options returns the framing options, honouring a per-printer encoding
// override ("cp1251" and "cp866" are the codepages seen in the field).
func (p Profile) Options(encoding string) datecs.Options {
	opts := datecs.Options{Dialect: p.Dialect()}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "cp1251", "windows-1251":
		opts.Encoding = charmap.Windows1251
	case "cp866", "ibm866":
		opts.Encoding = charmap.CodePage866
	default:
		opts.Encoding = charmap.Windows1251
	}
	return opts
}

// EncodeText converts receipt text to the device codepage, dropping runes
// that have no mapping.
func (p Profile) EncodeText(text string, encoding string) []byte {
	cm := p.Options(encoding).Encoding
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if b, ok := cm.EncodeRune(r); ok {
			out = append(out, b)
		}
	}
	return out
}

var fp700mxModels = []string{
	"datecs_fmp350x", "datecs_fmp55x", "datecs_fp700x", "datecs_fp700xe",
	"datecs_wp500x", "datecs_wp50x", "datecs_dp25x", "datecs_wp25x",
	"datecs_dp150x", "datecs_dp05c",
}

var fp2000Models = []string{
	"datecs_fp800", "datecs_fp2000", "datecs_fp650", "datecs_sk1_21f",
	"datecs_sk1_31f", "datecs_fmp10", "datecs_fp700",
}

var pinpadModels = []string{
	"datecspay_bluepad", "datecspay_bluepad50", "datecspay_bluepad55",
	"datecspay_ict250",
}

var registry = buildRegistry()

func buildRegistry() map[string]Profile {
	profiles := map[string]Profile{
		// Generic entry standing in for the whole X generation.
		"datecs_1to1":    {Model: "datecs_1to1", Family: FamilyFP700MX},
		"datecs_fp700mx": {Model: "datecs_fp700mx", Family: FamilyFP700MX},
	}
	for _, model := range fp700mxModels {
		profiles[model] = Profile{Model: model, Family: FamilyFP700MX, hidden: true}
	}
	for _, model := range fp2000Models {
		profiles[model] = Profile{Model: model, Family: FamilyFP2000}
	}
	for _, model := range pinpadModels {
		profiles[model] = Profile{Model: model, Family: FamilyPinpad}
	}
	return profiles
}

// Lookup resolves a model identifier, case-insensitively.
func Lookup(model string) (Profile, error) {
	profile, ok := registry[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return Profile{}, fmt.Errorf("unsupported printer model: %s", model)
	}
	return profile, nil
}

// SupportedModels lists selectable model identifiers. Models folded behind
// the generic X-generation entry are omitted.
func SupportedModels() []string {
	models := make([]string, 0, len(registry))
	for name, profile := range registry {
		if profile.hidden {
			continue
		}
		models = append(models, name)
	}
	sort.Strings(models)
	return models
}
