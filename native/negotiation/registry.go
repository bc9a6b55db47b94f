package negotiation

import "fmt"

// Defaults holds protocol-wide parameter defaults applied to zero-valued
// creation parameters.
type Defaults struct {
	DecayRateBps   uint16
	ResponseWindow int64
	ProtocolFeeBps uint16
	MaxRounds      uint8
}

// Registry is the protocol-wide configuration and aggregate bookkeeping shared
// by every negotiation. Counters only ever increase.
type Registry struct {
	Authority          [20]byte
	Treasury           [20]byte
	Defaults           Defaults
	Paused             bool
	TotalNegotiations  uint64
	TotalSettledVolume uint64
	TotalFeesCollected uint64
}

// Clone returns a copy of the registry.
func (r *Registry) Clone() *Registry {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

func (r *Registry) recordCreation() error {
	next, err := addU64(r.TotalNegotiations, 1)
	if err != nil {
		return err
	}
	r.TotalNegotiations = next
	return nil
}

func (r *Registry) recordSettlement(volume, fee uint64) error {
	nextVolume, err := addU64(r.TotalSettledVolume, volume)
	if err != nil {
		return err
	}
	nextFees, err := addU64(r.TotalFeesCollected, fee)
	if err != nil {
		return err
	}
	r.TotalSettledVolume = nextVolume
	r.TotalFeesCollected = nextFees
	return nil
}

// Validate checks the registry defaults against the creation bounds.
func (d Defaults) Validate() error {
	if d.MaxRounds > MaxRoundsLimit {
		return fmt.Errorf("%w: default max rounds exceeds %d", ErrInvalidParams, MaxRoundsLimit)
	}
	if d.DecayRateBps > MaxDecayRateBps {
		return fmt.Errorf("%w: default decay rate exceeds %d bps", ErrInvalidParams, MaxDecayRateBps)
	}
	if d.ResponseWindow != 0 && d.ResponseWindow < MinResponseWindow {
		return fmt.Errorf("%w: default response window below %d seconds", ErrInvalidParams, MinResponseWindow)
	}
	if d.ProtocolFeeBps > MaxProtocolFeeBps {
		return fmt.Errorf("%w: default protocol fee exceeds %d bps", ErrInvalidParams, MaxProtocolFeeBps)
	}
	return nil
}
