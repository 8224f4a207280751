/*
DESCRIPTION
  keys.go provides the hook through which a session's content protection
  key configuration is applied to the hardware.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package tsmux

// KeyConfig is the content protection configuration of a session. Params are
// opaque to this package and passed through to the KeyConfigurer.
type KeyConfig struct {
	OTFEnable bool
	M2MEnable bool
	Params    []byte
}

// enabled reports whether the configuration applies to jobs of mode m.
func (k KeyConfig) enabled(m Mode) bool {
	if m == ModeOTF {
		return k.OTFEnable
	}
	return k.M2MEnable
}

// KeyConfigurer applies key configuration to the hardware. Apply is called
// before each job whose mode the configuration enables, and Clear when the
// owning session closes.
type KeyConfigurer interface {
	Apply(k KeyConfig) error
	Clear() error
}

// noKeys is the KeyConfigurer used when none is provided.
type noKeys struct{}

func (noKeys) Apply(KeyConfig) error { return nil }
func (noKeys) Clear() error          { return nil }

// applyKey applies k for a job of mode m. It must be called with d.hwMu held.
func (d *Device) applyKey(k KeyConfig, m Mode) {
	if !k.enabled(m) {
		return
	}
	err := d.keys.Apply(k)
	if err != nil {
		d.log.Error("could not apply key configuration", "error", err)
	}
}
