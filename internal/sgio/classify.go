package sgio

import "github.com/ehrlich-b/sgdd/internal/sguapi"

// Outcome is the Completion Classifier's small set of results (spec §4.10).
type Outcome int

const (
	Clean Outcome = iota
	ConditionMet
	Recovered
	UARetry
	AbortedRetry
	MediaHard
	NotReady
	Miscompare
	InvalidOp
	Other
)

func (o Outcome) String() string {
	switch o {
	case Clean:
		return "clean"
	case ConditionMet:
		return "condition_met"
	case Recovered:
		return "recovered"
	case UARetry:
		return "ua_retry"
	case AbortedRetry:
		return "aborted_retry"
	case MediaHard:
		return "media_hard"
	case NotReady:
		return "not_ready"
	case Miscompare:
		return "miscompare"
	case InvalidOp:
		return "invalid_op"
	default:
		return "other"
	}
}

// IsGood reports whether o should be accounted as a successful transfer
// (spec §4.2: "On recovered the event is logged but the segment counts as
// good").
func (o Outcome) IsGood() bool {
	return o == Clean || o == ConditionMet || o == Recovered
}

// IsRetryable reports whether o warrants one local in-place re-issue
// before escalating to the coordinator (spec §7 kind 5).
func (o Outcome) IsRetryable() bool {
	return o == UARetry || o == AbortedRetry
}

// Classify maps a reaped PTR's status triple + sense data onto an Outcome,
// per spec §4.10's rules. Sense data is only consulted when device_status
// is non-zero or transport/driver status indicates an error (invariant 6).
func Classify(p *PTR) Outcome {
	if p.DeviceStatus == sguapi.SGStatusGood &&
		p.HostStatus == sguapi.SGHostOK &&
		p.DriverStatus&0x0f == sguapi.SGDriverOK {
		return Clean
	}

	if p.DeviceStatus == sguapi.SGStatusConditionMet {
		return ConditionMet
	}

	// Non-zero transport or driver status => OTHER unless sense overrides.
	if p.HostStatus != sguapi.SGHostOK {
		switch p.HostStatus {
		case sguapi.SGHostBusBusy, sguapi.SGHostTimeout:
			return AbortedRetry
		case sguapi.SGHostAbortedCmd:
			return AbortedRetry
		default:
			if p.DeviceStatus != sguapi.SGStatusCheckCondition {
				return Other
			}
		}
	}

	if p.DeviceStatus != sguapi.SGStatusCheckCondition {
		if p.DriverStatus&0x0f != sguapi.SGDriverOK {
			return Other
		}
		return Clean
	}

	return classifyBySenseKey(sguapi.SenseKey(p.Sense[:]), p.Sense[:])
}

func classifyBySenseKey(key byte, sense []byte) Outcome {
	switch key {
	case sguapi.SenseKeyNoSense:
		return Clean
	case sguapi.SenseKeyRecoveredError:
		return Recovered
	case sguapi.SenseKeyNotReady:
		return NotReady
	case sguapi.SenseKeyUnitAttention:
		return UARetry
	case sguapi.SenseKeyAbortedCommand:
		return AbortedRetry
	case sguapi.SenseKeyMediumError, sguapi.SenseKeyHardwareError:
		return MediaHard
	case sguapi.SenseKeyMiscompare:
		return Miscompare
	case sguapi.SenseKeyIllegalRequest:
		asc, _ := sguapi.AdditionalSenseCode(sense)
		if asc == 0x20 { // INVALID COMMAND OPERATION CODE
			return InvalidOp
		}
		return Other
	default:
		return Other
	}
}
