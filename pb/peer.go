// Package pb holds the engine's wire message types. The teacher repo
// generated these from a .proto file via protoc; this repo cannot run
// protoc, so the same message shapes are hand-written plain structs,
// serialized with a MessagePack codec instead of protobuf (see codec.go).
package pb

import "go.uber.org/zap/zapcore"

// Peer identifies one voting member by id and transport endpoint.
type Peer struct {
	Id       string
	Endpoint string
}

func (p *Peer) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("id", p.Id)
	e.AddString("endpoint", p.Endpoint)
	return nil
}

// PeerArray adapts a slice of peers for zap's array-of-objects logging.
type PeerArray []*Peer

func (a PeerArray) MarshalLogArray(e zapcore.ArrayEncoder) error {
	for _, p := range a {
		if err := e.AppendObject(p); err != nil {
			return err
		}
	}
	return nil
}
