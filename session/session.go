// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the Session value object: persistent work-zero and
// last-used-path state. The core only reads it; the external collaborator
// is responsible for loading and saving it.
package session

import "github.com/coppercut/pcbmill/gcode"

// Session is a key/value record of state that should survive a process
// restart, so a resumed job doesn't need to re-probe or re-home.
type Session struct {
	LastGcodePath     string
	LastProbeDir      string
	WorkZero          gcode.Vector3
	HasStoredWorkZero bool
	IsWorkZeroTrusted bool
}
