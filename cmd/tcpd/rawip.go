package main

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/tinyrange/netlab/internal/pcap"
)

// rawIPWriter adapts a bound *ipv4.RawConn to tcpstack.IPWriter, building a
// minimal IPv4 header per outbound segment. The same RawConner seam the
// router package's RawIPDriver uses (golang.org/x/net/ipv4.RawConn), wired
// here to TCP's host-facing egress instead of the router's.
type rawIPWriter struct {
	conn *ipv4.RawConn

	capMu sync.Mutex
	cap   *pcap.Writer
}

// setCapture installs a pcap writer that tees every outbound datagram this
// writer sends onto w. A nil w (the default) disables capture.
func (w *rawIPWriter) setCapture(pw *pcap.Writer) {
	w.capMu.Lock()
	defer w.capMu.Unlock()
	w.cap = pw
}

func (w *rawIPWriter) capture(datagram []byte) {
	w.capMu.Lock()
	pw := w.cap
	w.capMu.Unlock()
	if pw == nil {
		return
	}
	ci := pcap.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(datagram), Length: len(datagram)}
	_ = pw.WritePacket(ci, datagram)
}

func (w *rawIPWriter) WriteIPv4(srcIP, dstIP net.IP, protocol uint8, payload []byte) error {
	hdr := &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: int(protocol),
		Src:      srcIP,
		Dst:      dstIP,
	}
	if err := w.conn.WriteTo(hdr, payload, nil); err != nil {
		return fmt.Errorf("tcpd: raw ipv4 write: %w", err)
	}
	if b, err := hdr.Marshal(); err == nil {
		w.capture(append(b, payload...))
	}
	return nil
}

// recvLoop reads raw IPv4 datagrams off conn and hands TCP ones to deliver,
// until stop is closed. Mirrors the router's decode-then-dispatch loop, but
// the kernel has already stripped the Ethernet framing for us here.
func recvLoop(conn *ipv4.RawConn, cap *pcap.Writer, deliver func(src, dst net.IP, payload []byte) error, stop <-chan struct{}) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		hdr, payload, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("tcpd: raw ipv4 read: %w", err)
		}
		if hdr.Protocol != tcpProtocolNumber {
			continue
		}
		if cap != nil {
			if b, err := hdr.Marshal(); err == nil {
				datagram := append(b, payload...)
				ci := pcap.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(datagram), Length: len(datagram)}
				_ = cap.WritePacket(ci, datagram)
			}
		}
		if err := deliver(hdr.Src, hdr.Dst, payload); err != nil {
			return err
		}
	}
}

const tcpProtocolNumber = 6
