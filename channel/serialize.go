package channel

import (
	"bytes"
	"encoding/gob"

	"github.com/fabclient/fabclient/comm"
	"github.com/fabclient/fabclient/errs"
)

// snapshotVersion prefixes the encoded bytes so the layout can evolve
// without silently misreading old blobs.
const snapshotVersion byte = 1

// PeerRef is the serializable description of a member peer.
type PeerRef struct {
	URL   string
	Roles comm.Role
}

// Snapshot is the serializable form of a channel: its name and the
// URLs of its members. Live connections and state are rebuilt by the
// client when the snapshot is restored.
type Snapshot struct {
	Name      string
	Peers     []PeerRef
	Orderers  []string
	EventHubs []string
}

// Snapshot captures the channel's observable membership.
func (c *Channel) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := &Snapshot{Name: c.name}
	for _, p := range c.peers {
		s.Peers = append(s.Peers, PeerRef{URL: p.URL(), Roles: p.Roles()})
	}
	for _, o := range c.orderers {
		s.Orderers = append(s.Orderers, o.URL())
	}
	for _, m := range c.hubs {
		s.EventHubs = append(s.EventHubs, m.source)
	}
	return s
}

// Serialize encodes the channel for persistence.
func (c *Channel) Serialize() ([]byte, error) {
	return c.Snapshot().Encode()
}

func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(snapshotVersion)
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, errs.Wrap(errs.Argument, err, "encode channel snapshot")
	}
	return buf.Bytes(), nil
}

// Decode restores a snapshot written by Encode.
func Decode(blob []byte) (*Snapshot, error) {
	if len(blob) < 2 {
		return nil, errs.New(errs.Argument, "channel blob is too short")
	}
	if blob[0] != snapshotVersion {
		return nil, errs.Errorf(errs.Argument, "unsupported channel snapshot version %d", blob[0])
	}
	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(blob[1:])).Decode(&s); err != nil {
		return nil, errs.Wrap(errs.Argument, err, "decode channel snapshot")
	}
	if s.Name == "" {
		return nil, errs.New(errs.Argument, "channel snapshot has no name")
	}
	return &s, nil
}
