// Copyright 2024 The preheat authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spy

import (
	"math"
)

// Launch weighting constants.
const (
	// weightTimeScale normalizes run duration, in seconds.
	weightTimeScale = 60
	// backgroundFactor discounts launches that do not look interactive.
	backgroundFactor = 0.3
	// shortLivedSec is the duration below which a run is considered a
	// flash process.
	shortLivedSec = 5
	// shortLivedFactor discounts flash processes.
	shortLivedFactor = 0.3
)

// LaunchWeight scores a run of the given duration. The score grows
// logarithmically with duration, background launches count 0.3x and
// runs shorter than five seconds are discounted as flash processes.
func LaunchWeight(durationSec float64, userInitiated bool) float64 {
	if durationSec < 0 {
		durationSec = 0
	}
	w := math.Log1p(durationSec / weightTimeScale)
	if !userInitiated {
		w *= backgroundFactor
	}
	if durationSec < shortLivedSec {
		w *= shortLivedFactor
	}
	return w
}

// launcherParents names the process comms whose children count as
// user-initiated: shells, terminals and desktop launchers.
var launcherParents = map[string]bool{
	"bash":           true,
	"zsh":            true,
	"fish":           true,
	"sh":             true,
	"dash":           true,
	"ksh":            true,
	"tcsh":           true,
	"tmux":           true,
	"screen":         true,
	"xterm":          true,
	"alacritty":      true,
	"kitty":          true,
	"foot":           true,
	"konsole":        true,
	"gnome-terminal": true,
	"xfce4-terminal": true,
	"gnome-shell":    true,
	"plasmashell":    true,
	"sway":           true,
	"i3":             true,
	"xdg-open":       true,
	"systemd-run":    true,
}

// userInitiatedParent reports whether the parent comm marks an
// interactive launch.
func userInitiatedParent(comm string) bool {
	return launcherParents[comm]
}
