package main

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// CommandType distinguishes the two mutations the dictionary state
// machine understands.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandUnset
)

// Command is the msgpack-encoded payload carried by raft.Command for this
// state machine.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

func EncodeCommand(cmd Command) []byte {
	var buf bytes.Buffer
	_ = codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(cmd)
	return buf.Bytes()
}

func DecodeCommand(data []byte) Command {
	var cmd Command
	_ = codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{}).Decode(&cmd)
	return cmd
}
