package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinWriter struct {
	name   string
	writes map[string][]byte
}

func (p *pinWriter) Name() string     { return p.name }
func (p *pinWriter) SetName(n string) { p.name = n }
func (p *pinWriter) Connect() error   { return nil }
func (p *pinWriter) Finalize() error  { return nil }
func (p *pinWriter) DigitalWrite(pin string, level byte) error {
	if p.writes == nil {
		p.writes = make(map[string][]byte)
	}
	p.writes[pin] = append(p.writes[pin], level)
	return nil
}

func TestRelayPolarity(t *testing.T) {
	tests := []struct {
		name      string
		activeLow bool
		want      []byte
	}{
		{"active high", false, []byte{1, 0}},
		{"active low", true, []byte{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &pinWriter{name: "board"}
			r := newRelay(w, "37", tt.activeLow)

			require.NoError(t, r.On())
			assert.True(t, r.State(), "state follows the relay, not the pin")
			require.NoError(t, r.Off())
			assert.False(t, r.State())

			assert.Equal(t, tt.want, w.writes["37"])
		})
	}
}
