// Copyright (C) 2018-2020  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.


package remote
// RPC calls client<->server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/someonegg/gocontainer/rbuf"

	"lab.nexedi.com/kirr/go123/xbytes"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xnet"
	"lab.nexedi.com/kirr/go123/xsync"

	"lab.nexedi.com/kirr/isis/go/internal/log"
)

// we can speak this protocol versions
var protoVersions = []string{
	"1",
}

// maxPktLen is the limit on size of one packet.
const maxPktLen = 256 << 20

// handler serves one call from peer.
//
// arg is msgpack-encoded request. The result is msgpack-encoded into reply.
type handler func(ctx context.Context, arg []byte) (interface{}, error)

// link is connection between remote store client and server.
//
// link provides service to make and receive RPC requests.
//
// create link via dialLink or handshake.
// once link is created .serve must be called on it.
type link struct {
	conn  net.Conn     // underlying network
	rxbuf rbuf.RingBuf // buffer for reading from conn

	txMu sync.Mutex // serializes packet writes

	// our in-flight calls
	callMu  sync.Mutex
	callTab map[uint64]chan msg // msgid -> rxc for that call; nil when closed
	callID  uint64              // ID for next call; incremented at every call

	// ready after serveTab is initialized
	serveReady chan struct{}
	// methods peer can invoke
	// methods are served in parallel
	serveTab map[string]handler

	serveWg     sync.WaitGroup  // for serveRecv and serveTab spawned from it
	serveCtx    context.Context // serveTab handlers are called with this ctx
	serveCancel func()          // to cancel serveCtx

	down1   sync.Once
	downc   chan struct{} // closed when link is down
	errDown error         // error with which the link was shut down

	ver string // protocol version in use
}

// (called after handshake)
func (l *link) start() {
	l.callTab = make(map[uint64]chan msg)
	l.downc = make(chan struct{})
	l.serveCtx, l.serveCancel = context.WithCancel(context.Background())
	l.serveWg.Add(1)
	go l.serveRecv()
}

// serve serves calls from remote peer according to serveTab.
//
// serve returns when link becomes down - either on normal close or on error.
// On normal close returned error == nil, otherwise it describes the reason for
// why link was shut down.
func (l *link) serve(serveTab map[string]handler) error {
	l.serveTab = serveTab
	close(l.serveReady)
	<-l.downc
	l.serveWg.Wait()
	return l.errDown
}

var errLinkClosed = errors.New("link is closed")

// shutdown shuts link down and sets reason of why the link was shut down.
func (l *link) shutdown(err error) {
	l.down1.Do(func() {
		err2 := l.conn.Close()
		if err == nil {
			err = err2
		}
		if err != nil {
			log.Warningf(l.serveCtx, "%s: %s", l.conn.RemoteAddr(), err)
		}
		l.errDown = err
		l.serveCancel()

		// notify call waiters
		l.callMu.Lock()
		callTab := l.callTab
		l.callTab = nil
		l.callMu.Unlock()

		for _, rxc := range callTab {
			close(rxc) // notify link was closed
		}
		close(l.downc)
	})
}

func (l *link) Close() error {
	l.shutdown(nil)
	l.serveWg.Wait() // wait in case shutdown was called from serveRecv
	return l.errDown
}

// serveRecv handles receives from underlying conn and dispatches them to calls
// waiting for results and to serve handlers.
func (l *link) serveRecv() {
	defer l.serveWg.Done()
	for {
		// receive 1 packet
		pkb, err := l.recvPkt()
		if err != nil {
			// peer closing the link is normal shutdown
			if errors.Is(err, io.EOF) {
				err = nil
			}
			l.shutdown(err)
			return
		}

		err = l.serveRecv1(pkb)
		pkb.Free()
		if err != nil {
			l.shutdown(err)
			return
		}
	}
}

// serveRecv1 handles 1 incoming packet.
func (l *link) serveRecv1(pkb *pktBuf) error {
	// decode packet
	m, err := pktDecode(pkb)
	if err != nil {
		return err
	}

	// message is reply
	if m.method == ".reply" {
		// lookup call by msgid and dispatch result to waiter
		l.callMu.Lock()
		rxc := l.callTab[m.msgid]
		if rxc != nil {
			delete(l.callTab, m.msgid)
		}
		l.callMu.Unlock()

		if rxc == nil {
			return fmt.Errorf(".%d: unexpected reply", m.msgid)
		}

		rxc <- m
		return nil
	}

	// message is call
	// wait until user called serve on us
	select {
	case <-l.serveReady:
	case <-l.downc:
		return errLinkClosed
	}

	// calls are served in parallel
	f := l.serveTab[m.method]
	if f == nil {
		// disconnect on call to unknown method
		err = fmt.Errorf("unknown method %q", m.method)
		l.reply(m.msgid, nil, err) // ignore error
		return fmt.Errorf(".%d: %s", m.msgid, err)
	}
	l.serveWg.Add(1)
	go func() {
		defer l.serveWg.Done()
		res, err := f(l.serveCtx, m.arg)

		// send result back
		err = l.reply(m.msgid, res, err)
		if err != nil {
			l.shutdown(err)
		}
	}()

	return nil
}

// call makes 1 RPC call to peer, waits for reply and decodes it into res.
func (l *link) call(ctx context.Context, method string, arg, res interface{}) (err error) {
	defer func() {
		if err != nil {
			if _, exc := err.(*RemoteError); !exc {
				err = errors.Wrapf(err, "%s: call %s", l.conn.RemoteAddr(), method)
			}
		}
	}()

	rxc := make(chan msg, 1) // reply will go here

	// register our call
	l.callMu.Lock()
	if l.callTab == nil {
		l.callMu.Unlock()
		return errLinkClosed
	}
	callID := l.callID
	l.callID++
	l.callTab[callID] = rxc
	l.callMu.Unlock()

	pkb, err := pktEncode(msg{msgid: callID, method: method}, arg)
	if err != nil {
		l.forget(callID)
		return err
	}
	err = l.sendPkt(pkb)
	if err != nil {
		l.forget(callID)
		return err
	}

	select {
	case <-ctx.Done():
		l.forget(callID)
		return ctx.Err()

	case reply, ok := <-rxc:
		if !ok {
			// we were woken up because of shutdown
			return errLinkClosed
		}
		if reply.flags&msgExcept != 0 {
			return decodeExcept(reply.arg)
		}
		return unmarshal(reply.arg, res)
	}
}

// forget unregisters call msgid.
func (l *link) forget(msgid uint64) {
	l.callMu.Lock()
	if l.callTab != nil {
		delete(l.callTab, msgid)
	}
	l.callMu.Unlock()
}

// reply sends reply to a call received with msgid.
//
// non-nil callErr is sent as exception.
func (l *link) reply(msgid uint64, res interface{}, callErr error) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%s: .%d reply: %s", l.conn.RemoteAddr(), msgid, err)
		}
	}()

	m := msg{msgid: msgid, method: ".reply"}
	if callErr != nil {
		m.flags |= msgExcept
		res = encodeExcept(callErr)
	}
	pkb, err := pktEncode(m, res)
	if err != nil {
		return err
	}
	return l.sendPkt(pkb)
}

// ---- raw IO ----

// packet = {size(u32), data}
const pktHeaderLen = 4

// pktBuf is buffer with packet data.
//
// alloc via allocPkb and free via pkb.Free.
// similar to skb in Linux.
type pktBuf struct {
	data []byte
}

// Fixup fixes packet length in header according to current packet data.
func (pkb *pktBuf) Fixup() {
	binary.BigEndian.PutUint32(pkb.data, uint32(len(pkb.data)-pktHeaderLen))
}

// Bytes returns whole buffer data including header and payload.
func (pkb *pktBuf) Bytes() []byte {
	return pkb.data
}

// Payload returns payload part of buffer data.
func (pkb *pktBuf) Payload() []byte {
	return pkb.data[pktHeaderLen:]
}

var pkbPool = sync.Pool{New: func() interface{} {
	return &pktBuf{make([]byte, 0, 4096)}
}}

func allocPkb() *pktBuf {
	pkb := pkbPool.Get().(*pktBuf)
	pkb.data = append(pkb.data[:0], "\x00\x00\x00\x00"...) // room for header (= pktHeaderLen)
	return pkb
}

func (pkb *pktBuf) Free() {
	pkbPool.Put(pkb)
}

// sendPkt sends 1 raw packet.
//
// pkb is freed upon return.
func (l *link) sendPkt(pkb *pktBuf) error {
	pkb.Fixup()
	l.txMu.Lock()
	_, err := l.conn.Write(pkb.Bytes())
	l.txMu.Unlock()
	pkb.Free()
	return err
}

// recvPkt receives 1 raw packet.
//
// the packet returned contains both header and payload.
func (l *link) recvPkt() (*pktBuf, error) {
	pkb := allocPkb()
	data := pkb.data[:cap(pkb.data)]

	n := 0

	// next packet could be already prefetched in part by previous read
	if l.rxbuf.Len() > 0 {
		δn, _ := l.rxbuf.Read(data[:pktHeaderLen])
		n += δn
	}

	// first read to read pkt header and hopefully rest of packet in 1 syscall
	if n < pktHeaderLen {
		δn, err := io.ReadAtLeast(l.conn, data[n:], pktHeaderLen-n)
		if err != nil {
			if n+δn > 0 {
				err = noEOF(err)
			}
			return nil, err
		}
		n += δn
	}

	payloadLen := binary.BigEndian.Uint32(data)
	if payloadLen > maxPktLen {
		return nil, fmt.Errorf("rx: packet too big: %d", payloadLen)
	}
	pktLen := int(pktHeaderLen + payloadLen)

	// resize data if we don't have enough room in it
	data = xbytes.Resize(data, pktLen)
	data = data[:cap(data)]

	// we might have more data already prefetched in rxbuf
	if l.rxbuf.Len() > 0 {
		δn, _ := l.rxbuf.Read(data[n:pktLen])
		n += δn
	}

	// read rest of pkt data, if we need to
	if n < pktLen {
		δn, err := io.ReadAtLeast(l.conn, data[n:], pktLen-n)
		if err != nil {
			return nil, noEOF(err)
		}
		n += δn
	}

	// put overread data into rxbuf for next reader
	if n > pktLen {
		l.rxbuf.Write(data[pktLen:n])
	}

	pkb.data = data[:pktLen]
	return pkb, nil
}

// noEOF turns io.EOF into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ---- dial + handshake ----

// dialLink connects to address on given network, performs protocol
// handshake and wraps the connection as link.
func dialLink(ctx context.Context, net xnet.Networker, addr string) (*link, error) {
	conn, err := net.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	return handshake(ctx, conn, true)
}

// handshake performs protocol handshake just after raw connection has been
// established in between client and server.
//
// Client announces protocol version it wants to use, e.g. "M1". Server
// replies with the same string if it supports that version, or closes the
// connection.
//
// On success raw connection is returned wrapped into link.
// On error raw connection is closed.
func handshake(ctx context.Context, conn net.Conn, client bool) (_ *link, err error) {
	defer xerr.Contextf(&err, "%s: handshake", conn.RemoteAddr())

	l := &link{conn: conn, serveReady: make(chan struct{})}

	// ready when/if handshake tx/rx exchange succeeds
	hok := make(chan struct{})

	wg := xsync.NewWorkGroup(ctx)

	// rx/tx handshake packet
	wg.Go(func(ctx context.Context) error {
		myBest := protoVersions[len(protoVersions)-1]
		if client {
			pkb := allocPkb()
			pkb.data = append(pkb.data, "M"+myBest...)
			err := l.sendPkt(pkb)
			if err != nil {
				return fmt.Errorf("tx: %s", err)
			}
		}

		pkb, err := l.recvPkt()
		if err != nil {
			return fmt.Errorf("rx: %s", noEOF(err))
		}
		proto := string(pkb.Payload())
		pkb.Free()
		if !(len(proto) >= 2 && proto[0] == 'M') {
			return fmt.Errorf("rx: invalid peer handshake: %q", proto)
		}

		ver := proto[1:]
		there := false
		for _, weSupport := range protoVersions {
			if ver == weSupport {
				there = true
				break
			}
		}
		if !there {
			return fmt.Errorf("rx: unsupported peer version: %q", proto)
		}
		if client && ver != myBest {
			return fmt.Errorf("rx: peer answered %q to M%s", proto, myBest)
		}

		if !client {
			pkb = allocPkb()
			pkb.data = append(pkb.data, proto...)
			err = l.sendPkt(pkb)
			if err != nil {
				return fmt.Errorf("tx: %s", err)
			}
		}

		l.ver = ver
		close(hok)
		return nil
	})

	wg.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			// either ctx canceled from outside, or it is tx/rx problem.
			// Close connection in any case. If it was not tx/rx
			// problem - we interrupt IO there.
			conn.Close()
			return ctx.Err()

		case <-hok:
			return nil
		}
	})

	err = wg.Wait()
	if err != nil {
		return nil, err
	}

	// handshaked ok
	l.start()
	return l, nil
}
