package manager

import (
	"strconv"
	"strings"

	"github.com/sage-x-project/tssd/kv/encrypted"
	"github.com/sage-x-project/tssd/party"
)

// command is the actor's single inbound message shape; each command
// carries its own one-shot reply channel, the pattern called out by
// spec.md §9 ("a single owner task with a FIFO command queue and
// one-shot reply channels").
type command interface {
	run(s *encrypted.Store)
}

// Manager is the C3 actor. Construct with New and stop with Close.
type Manager struct {
	cmds chan command
	done chan struct{}
}

// New starts the owner goroutine over store and returns a Manager.
func New(store *encrypted.Store) *Manager {
	m := &Manager{
		cmds: make(chan command),
		done: make(chan struct{}),
	}
	go m.run(store)
	return m
}

// Close stops the owner goroutine and closes the store. It closes the
// command channel, so any call still blocked sending a command, or
// made after Close, panics.
func (m *Manager) Close() {
	close(m.cmds)
	<-m.done
}

func (m *Manager) run(store *encrypted.Store) {
	defer close(m.done)
	defer store.Close()
	for cmd := range m.cmds {
		cmd.run(store)
	}
}

func (m *Manager) send(cmd command) {
	m.cmds <- cmd
}

// --- Reserve ---

type reserveCmd struct {
	key   string
	reply chan<- reserveResult
}

type reserveResult struct {
	reservation KeyReservation
	err         error
}

func (c reserveCmd) run(s *encrypted.Store) {
	ok, err := s.Contains(c.key)
	if err != nil {
		c.reply <- reserveResult{err: err}
		return
	}
	if ok {
		c.reply <- reserveResult{err: ErrAlreadyReserved}
		return
	}
	if err := s.Insert(c.key, []byte(sentinel)); err != nil {
		c.reply <- reserveResult{err: err}
		return
	}
	c.reply <- reserveResult{reservation: KeyReservation{key: c.key}}
}

// Reserve claims key exclusively, failing with ErrAlreadyReserved if it
// is already present (spec.md §4.3 step 1).
func (m *Manager) Reserve(key string) (KeyReservation, error) {
	reply := make(chan reserveResult, 1)
	m.send(reserveCmd{key: key, reply: reply})
	res := <-reply
	return res.reservation, res.err
}

// --- Unreserve ---

type unreserveCmd struct {
	reservation KeyReservation
	reply       chan<- error
}

func (c unreserveCmd) run(s *encrypted.Store) {
	_, err := s.Remove(c.reservation.key)
	c.reply <- err
}

// Unreserve removes the reservation's key unconditionally (spec.md
// §4.3 step 4), releasing it for a subsequent Reserve.
func (m *Manager) Unreserve(reservation KeyReservation) error {
	reply := make(chan error, 1)
	m.send(unreserveCmd{reservation: reservation, reply: reply})
	return <-reply
}

// --- Put ---

type putCmd struct {
	reservation KeyReservation
	value       Value
	reply       chan<- error
}

func (c putCmd) run(s *encrypted.Store) {
	raw, err := s.Get(c.reservation.key)
	if err != nil {
		c.reply <- ErrNotReserved
		return
	}
	if string(raw) != sentinel {
		c.reply <- ErrNotReserved
		return
	}
	encoded, err := encodeValue(c.value)
	if err != nil {
		c.reply <- err
		return
	}
	c.reply <- s.Insert(c.reservation.key, encoded)
}

// Put verifies reservation still holds the sentinel and overwrites it
// with value (spec.md §4.3 step 3). It consumes reservation.
func (m *Manager) Put(reservation KeyReservation, value Value) error {
	reply := make(chan error, 1)
	m.send(putCmd{reservation: reservation, value: value, reply: reply})
	return <-reply
}

// --- Get ---

type getCmd struct {
	key   string
	reply chan<- getResult
}

type getResult struct {
	value Value
	err   error
}

func (c getCmd) run(s *encrypted.Store) {
	raw, err := s.Get(c.key)
	if err != nil {
		c.reply <- getResult{err: ErrKeyNotFound}
		return
	}
	if string(raw) == sentinel {
		c.reply <- getResult{err: ErrKeyNotFound}
		return
	}
	v, err := decodeValue(raw)
	if err != nil {
		c.reply <- getResult{err: err}
		return
	}
	c.reply <- getResult{value: v}
}

// Get returns the typed value stored at key.
func (m *Manager) Get(key string) (Value, error) {
	reply := make(chan getResult, 1)
	m.send(getCmd{key: key, reply: reply})
	res := <-reply
	return res.value, res.err
}

// GetPartyInfo is a typed convenience wrapper over Get.
func (m *Manager) GetPartyInfo(key string) (party.Info, error) {
	v, err := m.Get(key)
	if err != nil {
		return party.Info{}, err
	}
	if v.Kind != KindPartyInfo {
		return party.Info{}, ErrWrongValueKind
	}
	return v.PartyInfo, nil
}

// GetEntropy is a typed convenience wrapper over Get.
func (m *Manager) GetEntropy(key string) ([]byte, error) {
	v, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindEntropy {
		return nil, ErrWrongValueKind
	}
	return v.Entropy, nil
}

// --- Exists ---

type existsCmd struct {
	key   string
	reply chan<- existsResult
}

type existsResult struct {
	exists bool
	err    error
}

func (c existsCmd) run(s *encrypted.Store) {
	ok, err := s.Contains(c.key)
	if err != nil {
		c.reply <- existsResult{err: err}
		return
	}
	if ok {
		// A reserved-but-empty key does not count as existing to
		// callers asking about stored data (spec.md §8 invariant 9:
		// "reserved, empty" is a distinct state).
		raw, err := s.Get(c.key)
		if err == nil && string(raw) == sentinel {
			c.reply <- existsResult{exists: false}
			return
		}
	}
	c.reply <- existsResult{exists: ok}
}

// Exists reports whether key holds committed data (not merely a live
// reservation).
func (m *Manager) Exists(key string) (bool, error) {
	reply := make(chan existsResult, 1)
	m.send(existsCmd{key: key, reply: reply})
	res := <-reply
	return res.exists, res.err
}

// --- Delete ---

type deleteCmd struct {
	key   string
	reply chan<- error
}

func (c deleteCmd) run(s *encrypted.Store) {
	_, err := s.Remove(c.key)
	c.reply <- err
}

// Delete unconditionally removes key, reserved or not.
func (m *Manager) Delete(key string) error {
	reply := make(chan error, 1)
	m.send(deleteCmd{key: key, reply: reply})
	return <-reply
}

// --- Mnemonic rotation helper (A.3.3) ---

type rotationCountCmd struct {
	reply chan<- rotationCountResult
}

type rotationCountResult struct {
	next int
	err  error
}

func (c rotationCountCmd) run(s *encrypted.Store) {
	keys, err := s.Keys()
	if err != nil {
		c.reply <- rotationCountResult{err: err}
		return
	}
	next := 0
	for _, k := range keys {
		suffix, ok := strings.CutPrefix(k, "mnemonic_")
		if !ok {
			continue
		}
		if i, err := strconv.Atoi(suffix); err == nil && i >= next {
			next = i + 1
		}
	}
	c.reply <- rotationCountResult{next: next}
}

// NextMnemonicRotation scans existing mnemonic_<i> keys and returns the
// next unused counter, so rotation history can't desync from a
// separately-tracked counter record (SPEC_FULL.md A.3.3).
func (m *Manager) NextMnemonicRotation() (int, error) {
	reply := make(chan rotationCountResult, 1)
	m.send(rotationCountCmd{reply: reply})
	res := <-reply
	return res.next, res.err
}
