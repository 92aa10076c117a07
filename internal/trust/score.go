// Package trust scores how stable the current device looks, from 0 to 100,
// and maps the score to the tier that gates sensitive operations.
//
// Scoring fails closed: any error resolves to TierRequirePIN, never to
// TierNormal.
package trust

import "fmt"

// Penalty points subtracted from a perfect score.
const (
	PenaltyDeviceID     = 30
	PenaltyFingerprint  = 25
	PenaltyNetwork      = 10
	PenaltyConnectivity = 10
	PenaltyHysteresis   = 5

	MaxScore = 100

	// NormalAbove is the lowest score that is not yet normal; scores above
	// it pass without step-up.
	NormalAbove = 70
	// BlockBelow is the lowest score that still allows step-up.
	BlockBelow = 40
)

// Tier is the policy a score maps to.
type Tier string

const (
	TierNormal     Tier = "normal"
	TierRequirePIN Tier = "require-pin"
	TierBlock      Tier = "block"
)

// TierFor maps a score: above 70 normal, 40 to 70 require-pin, below 40
// block.
func TierFor(score int) Tier {
	switch {
	case score > NormalAbove:
		return TierNormal
	case score >= BlockBelow:
		return TierRequirePIN
	default:
		return TierBlock
	}
}

// Signals are the stability inputs of one scoring pass.
type Signals struct {
	DeviceID    string `json:"deviceId"`
	Fingerprint string `json:"fingerprint"`
	NetworkType string `json:"networkType"`
	Connected   bool   `json:"connected"`
}

// Signal names the input a penalty was derived from.
type Signal string

const (
	SignalDeviceID     Signal = "device_id"
	SignalFingerprint  Signal = "fingerprint"
	SignalNetwork      Signal = "network"
	SignalConnectivity Signal = "connectivity"
	SignalHysteresis   Signal = "hysteresis"
)

// Penalty is one deduction applied by ComputeScore.
type Penalty struct {
	Signal Signal `json:"signal"`
	Reason string `json:"reason"`
	Points int    `json:"points"`
}

func (p Penalty) String() string { return fmt.Sprintf("%s (-%d)", p.Reason, p.Points) }

// ComputeScore scores cur against the previous baseline. With no baseline
// only connectivity counts. prevScore is the last persisted score; when it
// is already outside the normal tier an extra hysteresis penalty applies so
// a device cannot bounce straight back to normal.
func ComputeScore(prev *Signals, prevScore int, cur Signals) (int, []Penalty) {
	var penalties []Penalty
	if prev != nil {
		if prev.DeviceID != cur.DeviceID {
			penalties = append(penalties, Penalty{SignalDeviceID, "device identifier changed", PenaltyDeviceID})
		}
		if prev.Fingerprint != cur.Fingerprint {
			penalties = append(penalties, Penalty{SignalFingerprint, "fingerprint changed", PenaltyFingerprint})
		}
		if prev.NetworkType != cur.NetworkType {
			penalties = append(penalties, Penalty{SignalNetwork, "network type changed", PenaltyNetwork})
		}
		if prevScore <= NormalAbove {
			penalties = append(penalties, Penalty{SignalHysteresis, "recovering from low trust", PenaltyHysteresis})
		}
	}
	if !cur.Connected {
		penalties = append(penalties, Penalty{SignalConnectivity, "connectivity lost", PenaltyConnectivity})
	}

	score := MaxScore
	for _, p := range penalties {
		score -= p.Points
	}
	return clamp(score), penalties
}

func clamp(score int) int {
	return max(0, min(MaxScore, score))
}
