// Package sim contains in-memory device controls that behave like real
// sources, destinations and crosspoint switchers. They back the demo daemon
// and the integration tests, and can be told to delay, reject or fail
// commands.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/crosspoint-router/internal/sbi"
	"github.com/signalsfoundry/crosspoint-router/model"
)

// ErrSignalUnsupported is returned when a command names signals a port
// does not carry.
var ErrSignalUnsupported = errors.New("port does not carry requested signals")

// AckMode selects when a simulated switcher completes commands.
type AckMode int

const (
	// AckImmediate applies and acknowledges a command before Route returns.
	AckImmediate AckMode = iota
	// AckAsync applies and acknowledges a command on a new goroutine.
	AckAsync
	// AckManual queues commands until AckNext or AckAll is called.
	AckManual
)

type portFlag struct {
	addr string
	flag model.SignalType
}

func findPort(ports []model.Connector, addr string) (model.Connector, bool) {
	for _, p := range ports {
		if p.Address == addr {
			return p, true
		}
	}
	return model.Connector{}, false
}

// Source is a control whose outputs originate signals.
type Source struct {
	key model.ControlKey
	bus *sbi.Bus

	mu           sync.Mutex
	outputs      []model.Connector
	transmitting map[portFlag]bool
}

// NewSource creates a simulated source publishing on bus.
func NewSource(key model.ControlKey, bus *sbi.Bus, outputs []model.Connector) *Source {
	return &Source{
		key:          key,
		bus:          bus,
		outputs:      append([]model.Connector(nil), outputs...),
		transmitting: make(map[portFlag]bool),
	}
}

func (s *Source) Key() model.ControlKey { return s.key }

func (s *Source) Outputs() []model.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Connector(nil), s.outputs...)
}

func (s *Source) TransmissionState(output string, flag model.SignalType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitting[portFlag{output, flag}]
}

// SetTransmitting changes the transmission state of output for every flag
// in signals and announces each change.
func (s *Source) SetTransmitting(output string, signals model.SignalType, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setState(s.bus, s.key, sbi.EventTransmissionChanged, s.transmitting, output, signals, on)
}

// setOutputs replaces the output ports and forgets the state of ports
// that no longer exist.
func (s *Source) setOutputs(outputs []model.Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append([]model.Connector(nil), outputs...)
	forgetPorts(s.transmitting, s.outputs)
}

// forgetPorts drops entries of m whose address is not among ports.
func forgetPorts(m map[portFlag]bool, ports []model.Connector) {
	for k := range m {
		if _, ok := findPort(ports, k.addr); !ok {
			delete(m, k)
		}
	}
}

// Destination is a control whose inputs consume signals.
type Destination struct {
	key model.ControlKey
	bus *sbi.Bus

	mu       sync.Mutex
	inputs   []model.Connector
	detected map[portFlag]bool
	active   map[portFlag]bool
}

// NewDestination creates a simulated destination publishing on bus.
func NewDestination(key model.ControlKey, bus *sbi.Bus, inputs []model.Connector) *Destination {
	return &Destination{
		key:      key,
		bus:      bus,
		inputs:   append([]model.Connector(nil), inputs...),
		detected: make(map[portFlag]bool),
		active:   make(map[portFlag]bool),
	}
}

func (d *Destination) Key() model.ControlKey { return d.key }

func (d *Destination) Inputs() []model.Connector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Connector(nil), d.inputs...)
}

func (d *Destination) SignalDetected(input string, flag model.SignalType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected[portFlag{input, flag}]
}

func (d *Destination) InputActive(input string, flag model.SignalType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[portFlag{input, flag}]
}

func (d *Destination) setInputs(inputs []model.Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append([]model.Connector(nil), inputs...)
	forgetPorts(d.detected, d.inputs)
	forgetPorts(d.active, d.inputs)
}

// SetDetected changes whether a signal is detected on input.
func (d *Destination) SetDetected(input string, signals model.SignalType, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	setState(d.bus, d.key, sbi.EventDetectionChanged, d.detected, input, signals, on)
}

// SetInputActive changes whether input is the one currently in use.
func (d *Destination) SetInputActive(input string, signals model.SignalType, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	setState(d.bus, d.key, sbi.EventInputActiveChanged, d.active, input, signals, on)
}

// setState updates one boolean port state per flag and publishes an event
// for every flag that changed. Caller must hold the owning lock.
func setState(bus *sbi.Bus, key model.ControlKey, kind sbi.EventKind, m map[portFlag]bool, addr string, signals model.SignalType, on bool) {
	for _, flag := range signals.Flags() {
		k := portFlag{addr, flag}
		if m[k] == on {
			continue
		}
		if on {
			m[k] = true
		} else {
			delete(m, k)
		}
		if bus != nil {
			bus.Publish(sbi.Event{Kind: kind, Control: key, Signal: flag, Address: addr, State: on})
		}
	}
}

// CommandKind distinguishes the two switcher commands.
type CommandKind int

const (
	CommandRoute CommandKind = iota
	CommandClear
)

func (k CommandKind) String() string {
	if k == CommandClear {
		return "clear"
	}
	return "route"
}

// Command is a switcher command as received.
type Command struct {
	Kind    CommandKind
	Input   string
	Output  string
	Signals model.SignalType
}

func (c Command) String() string {
	if c.Kind == CommandClear {
		return fmt.Sprintf("clear %s %s", c.Output, c.Signals)
	}
	return fmt.Sprintf("route %s->%s %s", c.Input, c.Output, c.Signals)
}

type queued struct {
	cmd Command
	ack func(error)
}

// Switcher is a crosspoint matrix control.
type Switcher struct {
	key model.ControlKey
	bus *sbi.Bus
	src *Source
	dst *Destination

	mu       sync.Mutex
	mode     AckMode
	xp       map[portFlag]string
	queue    []queued
	received []Command
	reject   error
	failures []error
}

// NewSwitcher creates a simulated switcher publishing on bus.
func NewSwitcher(key model.ControlKey, bus *sbi.Bus, inputs, outputs []model.Connector, mode AckMode) *Switcher {
	return &Switcher{
		key:  key,
		bus:  bus,
		src:  NewSource(key, bus, outputs),
		dst:  NewDestination(key, bus, inputs),
		mode: mode,
		xp:   make(map[portFlag]string),
	}
}

func (s *Switcher) Key() model.ControlKey      { return s.key }
func (s *Switcher) Outputs() []model.Connector { return s.src.Outputs() }
func (s *Switcher) Inputs() []model.Connector  { return s.dst.Inputs() }

func (s *Switcher) TransmissionState(output string, flag model.SignalType) bool {
	return s.src.TransmissionState(output, flag)
}

func (s *Switcher) SignalDetected(input string, flag model.SignalType) bool {
	return s.dst.SignalDetected(input, flag)
}

func (s *Switcher) InputActive(input string, flag model.SignalType) bool {
	return s.dst.InputActive(input, flag)
}

// CurrentInput returns the input connected to output for flag.
func (s *Switcher) CurrentInput(output string, flag model.SignalType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.xp[portFlag{output, flag}]
	return in, ok
}

// Route connects input to output for every flag in signals.
func (s *Switcher) Route(ctx context.Context, input, output string, signals model.SignalType, ack func(error)) error {
	if err := s.checkPort(s.dst.Inputs(), input, signals); err != nil {
		return err
	}
	return s.submit(ctx, Command{Kind: CommandRoute, Input: input, Output: output, Signals: signals}, ack)
}

// ClearOutput disconnects output for every flag in signals.
func (s *Switcher) ClearOutput(ctx context.Context, output string, signals model.SignalType, ack func(error)) error {
	return s.submit(ctx, Command{Kind: CommandClear, Output: output, Signals: signals}, ack)
}

func (s *Switcher) checkPort(ports []model.Connector, addr string, signals model.SignalType) error {
	p, ok := findPort(ports, addr)
	if !ok {
		return fmt.Errorf("%w: %s %q", sbi.ErrUnknownAddress, s.key, addr)
	}
	if p.Signals&signals != signals {
		return fmt.Errorf("%w: %s %q carries %s, asked for %s", ErrSignalUnsupported, s.key, addr, p.Signals, signals)
	}
	return nil
}

func (s *Switcher) submit(ctx context.Context, cmd Command, ack func(error)) error {
	if err := s.checkPort(s.src.Outputs(), cmd.Output, cmd.Signals); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.reject != nil {
		err := s.reject
		s.mu.Unlock()
		return err
	}
	s.received = append(s.received, cmd)
	mode := s.mode
	if mode == AckManual {
		s.queue = append(s.queue, queued{cmd: cmd, ack: ack})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if mode == AckAsync {
		go s.complete(cmd, ack, nil)
		return nil
	}
	s.complete(cmd, ack, nil)
	return nil
}

// complete applies cmd unless an injected or given failure is pending, and
// then acknowledges it.
func (s *Switcher) complete(cmd Command, ack func(error), err error) {
	s.mu.Lock()
	if err == nil && len(s.failures) > 0 {
		err = s.failures[0]
		s.failures = s.failures[1:]
	}
	if err == nil {
		s.applyLocked(cmd)
	}
	s.mu.Unlock()

	if ack != nil {
		ack(err)
	}
}

// applyLocked updates the crosspoints and publishes a change per flag.
// Caller must hold s.mu.
func (s *Switcher) applyLocked(cmd Command) {
	for _, flag := range cmd.Signals.Flags() {
		k := portFlag{cmd.Output, flag}
		old, had := s.xp[k]
		switch cmd.Kind {
		case CommandRoute:
			if had && old == cmd.Input {
				continue
			}
			s.xp[k] = cmd.Input
		case CommandClear:
			if !had {
				continue
			}
			delete(s.xp, k)
		}
		if s.bus != nil {
			s.bus.Publish(sbi.Event{
				Kind:     sbi.EventCrosspointChanged,
				Control:  s.key,
				Signal:   flag,
				Output:   cmd.Output,
				OldInput: old,
				NewInput: s.xp[k],
			})
		}
	}
}

// Set changes a crosspoint directly, as an operator at the panel would,
// without going through the command path.
func (s *Switcher) Set(input, output string, signals model.SignalType) {
	kind := CommandRoute
	if input == "" {
		kind = CommandClear
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(Command{Kind: kind, Input: input, Output: output, Signals: signals})
}

// setPorts replaces the switcher's ports. Crosspoints whose output or
// input no longer carries the flag are cleared and announced.
func (s *Switcher) setPorts(inputs, outputs []model.Connector) {
	s.src.setOutputs(outputs)
	s.dst.setInputs(inputs)

	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Command
	for k, in := range s.xp {
		out, okOut := findPort(outputs, k.addr)
		src, okIn := findPort(inputs, in)
		if okOut && okIn && out.Signals.Has(k.flag) && src.Signals.Has(k.flag) {
			continue
		}
		stale = append(stale, Command{Kind: CommandClear, Output: k.addr, Signals: k.flag})
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].Output != stale[j].Output {
			return stale[i].Output < stale[j].Output
		}
		return stale[i].Signals < stale[j].Signals
	})
	for _, cmd := range stale {
		s.applyLocked(cmd)
	}
}

// SetAckMode changes how subsequent commands complete.
func (s *Switcher) SetAckMode(mode AckMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// RejectCommands makes every following command fail synchronously with err.
// A nil err accepts commands again.
func (s *Switcher) RejectCommands(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = err
}

// FailNext makes the next accepted command acknowledge with err without
// changing any crosspoint.
func (s *Switcher) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

// Queued returns the number of commands waiting in AckManual mode.
func (s *Switcher) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AckNext completes the oldest queued command with err. It reports false
// when nothing is queued.
func (s *Switcher) AckNext(err error) bool {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	q := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.complete(q.cmd, q.ack, err)
	return true
}

// AckAll completes every queued command successfully, oldest first.
func (s *Switcher) AckAll() int {
	n := 0
	for s.AckNext(nil) {
		n++
	}
	return n
}

// Commands returns the commands received so far.
func (s *Switcher) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.received...)
}

// ResetCommands forgets the commands received so far.
func (s *Switcher) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = nil
}
