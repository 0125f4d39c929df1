package main

import (
	"bytes"
	"io"
	"sync"

	"github.com/sumimakito/raft"
	"github.com/ugorji/go/codec"
)

// DictionaryStateMachine is the example application replicated by this
// engine: a plain string-keyed byte-value map, driven entirely by
// committed Set/Unset commands.
type DictionaryStateMachine struct {
	mu    sync.RWMutex
	index uint64
	term  uint64
	state map[string][]byte
}

func NewDictionaryStateMachine() *DictionaryStateMachine {
	return &DictionaryStateMachine{state: map[string][]byte{}}
}

func (m *DictionaryStateMachine) Apply(index, term uint64, command raft.Command) error {
	cmd := DecodeCommand(command)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch cmd.Type {
	case CommandSet:
		m.state[cmd.Key] = cmd.Value
	case CommandUnset:
		delete(m.state, cmd.Key)
	}
	m.index = index
	m.term = term
	return nil
}

func (m *DictionaryStateMachine) SupportsSnapshots() bool { return true }

func (m *DictionaryStateMachine) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.state))
	for key := range m.state {
		keys = append(keys, key)
	}
	return keys
}

func (m *DictionaryStateMachine) Value(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok
}

func (m *DictionaryStateMachine) CreateSnapshot(uptoIndex, term uint64) (raft.StateMachineSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keyValues := make(map[string][]byte, len(m.state))
	for key, value := range m.state {
		keyValues[key] = append([]byte(nil), value...)
	}
	return &dictionarySnapshot{index: uptoIndex, term: term, state: keyValues}, nil
}

func (m *DictionaryStateMachine) Restore(term, index uint64, r io.Reader) error {
	var keyValues map[string][]byte
	if err := codec.NewDecoder(r, &codec.MsgpackHandle{}).Decode(&keyValues); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = keyValues
	m.index = index
	m.term = term
	return nil
}

type dictionarySnapshot struct {
	index uint64
	term  uint64
	state map[string][]byte
}

func (s *dictionarySnapshot) Index() uint64 { return s.index }
func (s *dictionarySnapshot) Term() uint64  { return s.term }

func (s *dictionarySnapshot) WriteTo(w io.Writer) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(s.state); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
