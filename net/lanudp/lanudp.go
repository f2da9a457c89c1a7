// Package lanudp is the stock LAN transport of the mesh: peer discovery by
// UDP broadcast probe/reply and point-to-point delivery by unicast UDP
// datagrams. Every packet travels in a CBOR envelope that is optionally
// compressed, encrypted and authenticated; replayed envelopes are dropped by
// nonce. It implements mesh/transport.Transport.
package lanudp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"lanmesh/config"
	"lanmesh/mesh/transport"

	log "github.com/sirupsen/logrus"
)

var (
	ErrClosed      = errors.New("transport is closed")
	ErrUnknownPeer = errors.New("peer address unknown")
	ErrTooLarge    = errors.New("message exceeds max message size")
)

const (
	// Address and replay cache bounds; old entries fall out LRU-wise.
	addrCacheSize   = 1024
	replayCacheSize = 4096

	// Headroom the read buffer keeps above MaxMessageSize so oversize
	// datagrams are detected rather than silently truncated.
	readSlack = 1
)

// Transport is the UDP implementation of the mesh transport capability.
type Transport struct {
	cfg  *config.Config
	seal *sealer

	uc    *net.UDPConn // unicast: deliveries and discovery replies
	bc    *net.UDPConn // broadcast: discovery probes
	port  int          // actual unicast port (resolves Port 0)
	bcast []*net.UDPAddr

	recvMu sync.RWMutex
	recv   transport.ReceiveFunc

	// writeMu serializes unicast writes so one sender's deadline never
	// clears or truncates another's.
	writeMu sync.Mutex

	// addrs maps node id to the last known contact point, learned from every
	// inbound datagram. seen holds replay nonces.
	addrs *lru.Cache[string, *net.UDPAddr]
	seen  *lru.Cache[string, struct{}]

	collectMu sync.Mutex
	collector chan transport.PeerDescriptor

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

// New binds the unicast and broadcast sockets and starts the receive pumps.
// Binding failures are setup failures and surface to the caller.
func New(cfg *config.Config) (*Transport, error) {
	bindIP, bcast, err := broadcastTargets(cfg.Interface, cfg.BroadcastPort)
	if err != nil {
		return nil, err
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind unicast socket: %w", err)
	}
	if err := enableBroadcast(uc); err != nil {
		uc.Close()
		return nil, fmt.Errorf("failed to enable broadcast on socket: %w", err)
	}

	bc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.BroadcastPort})
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("failed to bind broadcast socket: %w", err)
	}

	addrs, err := lru.New[string, *net.UDPAddr](addrCacheSize)
	if err != nil {
		uc.Close()
		bc.Close()
		return nil, err
	}
	seen, err := lru.New[string, struct{}](replayCacheSize)
	if err != nil {
		uc.Close()
		bc.Close()
		return nil, err
	}

	t := &Transport{
		cfg:   cfg,
		seal:  newSealer(cfg),
		uc:    uc,
		bc:    bc,
		port:  uc.LocalAddr().(*net.UDPAddr).Port,
		bcast: bcast,
		addrs: addrs,
		seen:  seen,
		done:  make(chan struct{}),
	}

	t.wg.Add(2)
	go t.readPump(t.uc)
	go t.readPump(t.bc)

	log.Infof("lanudp: %s listening on %s (broadcast port %d)", cfg.NodeID, uc.LocalAddr(), cfg.BroadcastPort)
	return t, nil
}

// OnReceive registers the inbound data callback, replacing any previous one.
func (t *Transport) OnReceive(fn transport.ReceiveFunc) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	t.recv = fn
}

// Discover broadcasts a probe carrying the local descriptor and collects
// unicast replies until the timeout elapses. Peers that saw the probe have
// learned this node's contact point in the process.
func (t *Transport) Discover(ctx context.Context, timeout time.Duration) ([]transport.PeerDescriptor, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}

	collector := make(chan transport.PeerDescriptor, 64)
	t.collectMu.Lock()
	t.collector = collector
	t.collectMu.Unlock()
	defer func() {
		t.collectMu.Lock()
		t.collector = nil
		t.collectMu.Unlock()
	}()

	probe := t.descriptorDatagram(kindProbe)
	data, err := probe.encode()
	if err != nil {
		return nil, err
	}
	for _, addr := range t.bcast {
		if err := t.writeUDP(data, addr, time.Time{}); err != nil {
			log.Warnf("lanudp: probe to %s failed: %v", addr, err)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var (
		found []transport.PeerDescriptor
		ids   = make(map[string]bool)
	)
	for {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-t.done:
			return found, ErrClosed
		case <-deadline.C:
			log.Debugf("lanudp: discovery found %d peers", len(found))
			return found, nil
		case d := <-collector:
			if !ids[d.NodeID] {
				ids[d.NodeID] = true
				found = append(found, d)
			}
		}
	}
}

// SendTo seals data and delivers it to the peer's last known address.
func (t *Transport) SendTo(ctx context.Context, nodeID string, data []byte, opts transport.SendOptions) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	addr, ok := t.addrs.Get(nodeID)
	if !ok {
		return fmt.Errorf("send to %s: %w", nodeID, ErrUnknownPeer)
	}

	payload, flags, err := t.seal.seal(data, opts.Encrypt)
	if err != nil {
		return fmt.Errorf("send to %s: %w", nodeID, err)
	}

	nonce := uuid.New()
	d := &datagram{
		Version: wireVersion,
		Kind:    kindData,
		NodeID:  t.cfg.NodeID,
		Port:    t.port,
		Nonce:   nonce[:],
		Flags:   flags,
		Payload: payload,
	}
	t.seal.sign(d)

	wire, err := d.encode()
	if err != nil {
		return fmt.Errorf("send to %s: %w", nodeID, err)
	}
	if len(wire) > t.cfg.MaxMessageSize {
		return fmt.Errorf("send to %s: %d bytes: %w", nodeID, len(wire), ErrTooLarge)
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.writeUDP(wire, addr, deadline); err != nil {
		return fmt.Errorf("send to %s @ %s: %w", nodeID, addr, err)
	}
	return nil
}

// writeUDP performs one unicast write under writeMu, applying and clearing
// the deadline while no other sender can observe it.
func (t *Transport) writeUDP(data []byte, addr *net.UDPAddr, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if !deadline.IsZero() {
		t.uc.SetWriteDeadline(deadline)
		defer t.uc.SetWriteDeadline(time.Time{})
	}
	_, err := t.uc.WriteToUDP(data, addr)
	return err
}

// Close shuts both sockets and waits for the receive pumps. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = multierr.Combine(t.uc.Close(), t.bc.Close())
		t.wg.Wait()
		log.Infof("lanudp: %s closed", t.cfg.NodeID)
	})
	return t.closeErr
}

// descriptorDatagram builds a probe or reply carrying the local descriptor.
func (t *Transport) descriptorDatagram(kind uint8) *datagram {
	nonce := uuid.New()
	d := &datagram{
		Version:      wireVersion,
		Kind:         kind,
		NodeID:       t.cfg.NodeID,
		Port:         t.port,
		Capabilities: t.cfg.Capabilities,
		Nonce:        nonce[:],
	}
	t.seal.sign(d)
	return d
}

// readPump drains one socket until Close. A bad datagram never stops the
// pump; each is handled with the catch-log-continue discipline.
func (t *Transport) readPump(conn *net.UDPConn) {
	defer t.wg.Done()

	buf := make([]byte, t.cfg.MaxMessageSize+readSlack)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("lanudp: read failed on %s: %v", conn.LocalAddr(), err)
			continue
		}
		t.handleDatagram(buf[:n], raddr)
	}
}

func (t *Transport) handleDatagram(data []byte, raddr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("lanudp: panic handling datagram from %s: %v", raddr, r)
		}
	}()

	if len(data) > t.cfg.MaxMessageSize {
		log.Warnf("lanudp: dropping oversize datagram (%d bytes) from %s", len(data), raddr)
		return
	}

	d, err := decodeDatagram(data)
	if err != nil {
		log.Debugf("lanudp: dropping undecodable datagram from %s: %v", raddr, err)
		return
	}
	if d.Version != wireVersion {
		log.Debugf("lanudp: dropping datagram with version %d from %s", d.Version, raddr)
		return
	}
	// Our own broadcasts loop back; ignore them.
	if d.NodeID == "" || d.NodeID == t.cfg.NodeID {
		return
	}
	if !t.seal.verify(d) {
		log.Warnf("lanudp: dropping datagram with bad MAC from %s (%s)", raddr, d.NodeID)
		return
	}
	if len(d.Nonce) > 0 {
		if dup, _ := t.seen.ContainsOrAdd(string(d.Nonce), struct{}{}); dup {
			log.Debugf("lanudp: dropping replayed datagram from %s (%s)", raddr, d.NodeID)
			return
		}
	}

	// Every valid datagram teaches us the sender's contact point.
	contact := &net.UDPAddr{IP: raddr.IP, Port: d.Port}
	if d.Port == 0 {
		contact.Port = raddr.Port
	}
	t.addrs.Add(d.NodeID, contact)

	switch d.Kind {
	case kindProbe:
		t.answerProbe(d, contact)
	case kindReply:
		t.deliverReply(d, contact)
	case kindData:
		t.deliverData(d, contact)
	default:
		log.Debugf("lanudp: dropping datagram of unknown kind %d from %s", d.Kind, raddr)
	}
}

// answerProbe sends our descriptor back to the prober's unicast port.
func (t *Transport) answerProbe(d *datagram, contact *net.UDPAddr) {
	log.Debugf("lanudp: probe from %s @ %s", d.NodeID, contact)

	reply := t.descriptorDatagram(kindReply)
	data, err := reply.encode()
	if err != nil {
		log.Errorf("lanudp: failed to encode probe reply: %v", err)
		return
	}
	if err := t.writeUDP(data, contact, time.Time{}); err != nil {
		log.Warnf("lanudp: probe reply to %s failed: %v", contact, err)
	}
}

func (t *Transport) deliverReply(d *datagram, contact *net.UDPAddr) {
	desc := transport.PeerDescriptor{
		NodeID:       d.NodeID,
		Address:      contact.IP.String(),
		Port:         contact.Port,
		Capabilities: d.Capabilities,
	}

	t.collectMu.Lock()
	collector := t.collector
	t.collectMu.Unlock()
	if collector == nil {
		// A reply outside any discovery window still updated the address
		// cache above; nothing more to do.
		return
	}
	select {
	case collector <- desc:
	default:
		log.Debugf("lanudp: discovery collector full, dropping reply from %s", d.NodeID)
	}
}

func (t *Transport) deliverData(d *datagram, contact *net.UDPAddr) {
	payload, err := t.seal.open(d.Payload, d.Flags)
	if err != nil {
		log.Warnf("lanudp: dropping datagram from %s: %v", d.NodeID, err)
		return
	}

	t.recvMu.RLock()
	recv := t.recv
	t.recvMu.RUnlock()
	if recv == nil {
		log.Debugf("lanudp: no receive callback registered, dropping datagram from %s", d.NodeID)
		return
	}

	recv(payload, transport.SenderInfo{
		NodeID:  d.NodeID,
		Address: contact.IP.String(),
		Port:    contact.Port,
	})
}
