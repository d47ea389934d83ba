// Package ext implements the BEP 10 extension protocol: the extended
// handshake, per-extension message routing, and the pluggable extensions
// built on it — PEX (BEP 11), WebSeed (BEP 19), and SSL upgrade (BEP 47).
package ext

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/avinier/burrow/internal/event"
	"github.com/avinier/burrow/pkg/bencode"
)

// Well-known extension names used in the handshake 'm' dictionary.
const (
	NamePex = "ut_pex"
	NameSSL = "ssl"
)

// HandshakeID is the reserved extended-message id for the handshake itself.
const HandshakeID = 0

var ErrNotHandshaken = errors.New("ext: peer has not completed the extended handshake")

// Handler consumes one inbound extension message. The payload is the raw
// sub-message body (after the extended-message id byte).
type Handler func(addr netip.AddrPort, payload []byte) error

// PeerExtensions caches what one peer negotiated. The 'm' dictionary is
// authoritative for capability checks.
type PeerExtensions struct {
	// MessageIDs maps extension name to the id the PEER chose for receiving
	// that extension's messages.
	MessageIDs map[string]uint8

	Version string
	ReqQ    int64
	Port    int64
}

// Supports reports whether the peer's m dict maps name to a non-zero id.
func (pe *PeerExtensions) Supports(name string) bool {
	return pe != nil && pe.MessageIDs[name] != 0
}

// Dispatcher owns the process-local extension registry and the per-peer
// negotiation state.
type Dispatcher struct {
	log *slog.Logger
	bus *event.Bus

	mut      sync.RWMutex
	localIDs map[string]uint8
	handlers map[uint8]Handler
	nextID   uint8
	peers    map[netip.AddrPort]*PeerExtensions
}

// NewDispatcher returns an empty registry.
func NewDispatcher(bus *event.Bus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		log:      log.With("component", "ext"),
		bus:      bus,
		localIDs: make(map[string]uint8),
		handlers: make(map[uint8]Handler),
		nextID:   1, // 0 is the handshake
		peers:    make(map[netip.AddrPort]*PeerExtensions),
	}
}

// Register adds an extension under name and returns the local message id
// advertised in our handshake 'm' dictionary.
func (d *Dispatcher) Register(name string, handler Handler) uint8 {
	d.mut.Lock()
	defer d.mut.Unlock()

	if id, exists := d.localIDs[name]; exists {
		d.handlers[id] = handler
		return id
	}

	id := d.nextID
	d.nextID++
	d.localIDs[name] = id
	d.handlers[id] = handler

	d.log.Debug("registered extension", "name", name, "id", id)
	return id
}

// HandshakeBody builds the bencoded extended-handshake payload: our 'm'
// dictionary plus client version and listen port.
func (d *Dispatcher) HandshakeBody(version string, port uint16) ([]byte, error) {
	d.mut.RLock()
	m := make(map[string]any, len(d.localIDs))
	for name, id := range d.localIDs {
		m[name] = int64(id)
	}
	d.mut.RUnlock()

	return bencode.Marshal(map[string]any{
		"m":    m,
		"v":    version,
		"p":    int64(port),
		"reqq": int64(250),
	})
}

// HandleMessage routes one inbound extended message. extID 0 is the
// handshake; other ids are resolved against OUR registry (the remote sends
// using the ids we advertised).
func (d *Dispatcher) HandleMessage(addr netip.AddrPort, extID uint8, payload []byte) error {
	if extID == HandshakeID {
		return d.handleHandshake(addr, payload)
	}

	d.mut.RLock()
	handler := d.handlers[extID]
	d.mut.RUnlock()

	if handler == nil {
		if d.bus != nil {
			d.bus.Emit(event.New(event.UnknownExtensionMessage, "ext", event.ExtensionPayload{
				Addr:      addr,
				MessageID: extID,
			}))
		}
		d.log.Debug("unknown extension message", "addr", addr.String(), "id", extID)
		return nil
	}

	return handler(addr, payload)
}

func (d *Dispatcher) handleHandshake(addr netip.AddrPort, payload []byte) error {
	raw, err := bencode.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("ext: handshake decode: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return errors.New("ext: handshake is not a dict")
	}

	pe := &PeerExtensions{MessageIDs: make(map[string]uint8)}

	if m, ok := dict["m"].(map[string]any); ok {
		for name, idAny := range m {
			if id, ok := idAny.(int64); ok && id > 0 && id < 256 {
				pe.MessageIDs[name] = uint8(id)
			}
		}
	}
	if v, ok := dict["v"].(string); ok {
		pe.Version = v
	}
	if q, ok := dict["reqq"].(int64); ok {
		pe.ReqQ = q
	}
	if p, ok := dict["p"].(int64); ok {
		pe.Port = p
	}

	d.mut.Lock()
	d.peers[addr] = pe
	d.mut.Unlock()

	supported := make([]string, 0, len(pe.MessageIDs))
	for name := range pe.MessageIDs {
		supported = append(supported, name)
	}

	if d.bus != nil {
		d.bus.Emit(event.New(event.ExtensionHandshake, "ext", event.ExtensionPayload{
			Addr:      addr,
			Supported: supported,
		}))
	}
	d.log.Debug("extended handshake", "addr", addr.String(), "extensions", supported)
	return nil
}

// Peer returns the cached negotiation state for addr.
func (d *Dispatcher) Peer(addr netip.AddrPort) *PeerExtensions {
	d.mut.RLock()
	defer d.mut.RUnlock()
	return d.peers[addr]
}

// PeerSupports short-circuits capability checks from the cached 'm' dict.
func (d *Dispatcher) PeerSupports(addr netip.AddrPort, name string) bool {
	return d.Peer(addr).Supports(name)
}

// PeerMessageID returns the id to use when SENDING name's messages to addr,
// i.e. the id from the peer's own 'm' dictionary.
func (d *Dispatcher) PeerMessageID(addr netip.AddrPort, name string) (uint8, error) {
	pe := d.Peer(addr)
	if pe == nil {
		return 0, ErrNotHandshaken
	}
	id, ok := pe.MessageIDs[name]
	if !ok || id == 0 {
		return 0, fmt.Errorf("ext: peer does not support %q", name)
	}
	return id, nil
}

// Forget drops addr's negotiation state.
func (d *Dispatcher) Forget(addr netip.AddrPort) {
	d.mut.Lock()
	delete(d.peers, addr)
	d.mut.Unlock()
}
