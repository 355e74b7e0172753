package hvsp

import (
	"fmt"
	"strings"
)

// Intent is one of the three commands a session can execute. The zero value
// is invalid so a forgotten assignment cannot trigger a write.
type Intent int

const (
	intentNone Intent = iota

	// IntentReadOnly reports the current fuse and lock state.
	IntentReadOnly

	// IntentErase clears the program memory and thereby unlocks the chip.
	IntentErase

	// IntentWriteDefaults restores the factory fuse values of a
	// recognized target.
	IntentWriteDefaults
)

func (i Intent) String() string {
	switch i {
	case IntentReadOnly:
		return "read-only"
	case IntentErase:
		return "erase"
	case IntentWriteDefaults:
		return "write-defaults"
	}

	return fmt.Sprintf("Intent(%d)", int(i))
}

// ParseIntent maps a command token to an Intent. Matching is strict; an
// unknown token is an error rather than an implicit write, so a stray
// keystroke cannot reprogram a chip.
func ParseIntent(token string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "r", "read", "read-only":
		return IntentReadOnly, nil
	case "e", "erase":
		return IntentErase, nil
	case "w", "write", "write-defaults", "restore":
		return IntentWriteDefaults, nil
	}

	return intentNone, fmt.Errorf("unknown command %q, use 'read', 'erase' or 'write'", token)
}

// State is a phase of a programming session.
type State int

const (
	StateIdle State = iota
	StateAwaitingCommand
	StateEnteringProgrammingMode
	StateIdentifying
	StateReading
	StateWriting
	StateErasing
	StateVerifyReading
	StateExitingProgrammingMode
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingCommand:
		return "AwaitingCommand"
	case StateEnteringProgrammingMode:
		return "EnteringProgrammingMode"
	case StateIdentifying:
		return "Identifying"
	case StateReading:
		return "Reading"
	case StateWriting:
		return "Writing"
	case StateErasing:
		return "Erasing"
	case StateVerifyReading:
		return "VerifyReading"
	case StateExitingProgrammingMode:
		return "ExitingProgrammingMode"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// FuseWrite records one fuse byte programmed during a session.
type FuseWrite struct {
	Address FuseAddress
	Value   byte
}

// ChipState is the fuse and lock content of the target at one point in a
// session.
type ChipState struct {
	Fuses FuseReading
	Lock  LockReading
}

// Report collects everything a session read and did. Formatting is the
// caller's concern.
type Report struct {
	Intent     Intent
	Signature  Signature
	Variant    Variant
	Recognized bool

	// Before is the state read after identification. After is the state
	// read back after an erase or write; it stays nil for read-only
	// sessions.
	Before ChipState
	After  *ChipState

	Erased       bool
	FusesWritten []FuseWrite

	// TimedOut reports that at least one frame ran against a slow or
	// absent target; the reported values are then best effort.
	TimedOut bool
}

// SessionConfig carries the optional session collaborators.
type SessionConfig struct {
	// OnState observes phase changes, for progress display.
	OnState func(State)

	Log LogFunc
}

// Session runs one recovery attempt against a single target. Sessions are
// strictly sequential; the programmer's lines belong to one session at a
// time.
type Session struct {
	prog    *Programmer
	onState func(State)
	logFunc LogFunc
}

func NewSession(prog *Programmer, cfg SessionConfig) *Session {
	return &Session{
		prog:    prog,
		onState: cfg.OnState,
		logFunc: cfg.Log,
	}
}

func (s *Session) log(format string, params ...interface{}) {
	if s.logFunc != nil {
		s.logFunc(format, params...)
	}
}

func (s *Session) setState(st State) {
	if s.onState != nil {
		s.onState(st)
	}
}

// Run executes one full session for the given intent and returns the
// report. Once programming mode has been entered there is no cancellation:
// the session runs to completion, and the exit sequence runs on every path,
// so the target never stays powered with 12V on reset.
func (s *Session) Run(intent Intent) (*Report, error) {
	switch intent {
	case IntentReadOnly, IntentErase, IntentWriteDefaults:
	default:
		return nil, fmt.Errorf("invalid intent %d", int(intent))
	}

	rep := &Report{Intent: intent}
	err := s.operate(intent, rep)

	s.setState(StateExitingProgrammingMode)
	if exitErr := s.prog.ExitProgramming(); err == nil {
		err = exitErr
	}
	s.setState(StateIdle)

	if err != nil {
		return nil, err
	}

	return rep, nil
}

// operate performs everything between mode entry and mode exit. Any error
// aborts the remaining steps; Run still exits programming mode afterwards.
func (s *Session) operate(intent Intent, rep *Report) error {
	s.setState(StateEnteringProgrammingMode)
	if err := s.prog.EnterProgramming(); err != nil {
		return fmt.Errorf("entering programming mode: %v", err)
	}

	s.setState(StateIdentifying)
	sig, err := s.prog.ReadSignature()
	if err != nil {
		return err
	}
	rep.Signature = sig.Signature
	rep.TimedOut = rep.TimedOut || sig.TimedOut

	rep.Variant, rep.Recognized = LookupVariant(sig.Signature)
	if rep.Recognized {
		s.log("Target identified: %s (%s)", rep.Variant.Name, rep.Signature)
	} else {
		s.log("Signature %s does not match a supported target", rep.Signature)
	}

	s.setState(StateReading)
	rep.Before, err = s.readState(rep)
	if err != nil {
		return err
	}

	switch {
	case intent == IntentErase:
		s.setState(StateErasing)
		timedOut, err := s.prog.EraseChip()
		if err != nil {
			return err
		}
		rep.Erased = true
		rep.TimedOut = rep.TimedOut || timedOut

	case intent == IntentWriteDefaults && rep.Recognized:
		s.setState(StateWriting)
		if err := s.writeDefaults(rep); err != nil {
			return err
		}
	}

	if intent != IntentReadOnly {
		s.setState(StateVerifyReading)
		after, err := s.readState(rep)
		if err != nil {
			return err
		}
		rep.After = &after
	}

	return nil
}

func (s *Session) readState(rep *Report) (ChipState, error) {
	var st ChipState
	var err error

	st.Fuses, err = s.prog.ReadFuses()
	if err != nil {
		return st, err
	}

	st.Lock, err = s.prog.ReadLockBits()
	if err != nil {
		return st, err
	}

	rep.TimedOut = rep.TimedOut || st.Fuses.TimedOut || st.Lock.TimedOut

	return st, nil
}

// writeDefaults programs the variant's factory fuses in order: low, high,
// then extended where the target has one.
func (s *Session) writeDefaults(rep *Report) error {
	d := rep.Variant.Defaults

	writes := []FuseWrite{
		{Address: LFuseAddress, Value: d.Low},
		{Address: HFuseAddress, Value: d.High},
	}
	if d.HasExtended {
		writes = append(writes, FuseWrite{Address: EFuseAddress, Value: d.Extended})
	}

	for _, w := range writes {
		timedOut, err := s.prog.WriteFuse(w.Address, w.Value)
		if err != nil {
			return err
		}
		rep.FusesWritten = append(rep.FusesWritten, w)
		rep.TimedOut = rep.TimedOut || timedOut
	}

	return nil
}
