package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/skylink/internal/framesync"
)

// PcapConfig configures a PcapSource.
type PcapConfig struct {
	Path      string
	Transport string // "udp" (default) or "tcp"
	Port      uint16 // destination port filter, 0 for any
	// Syncer recovers frames from the payload stream. Required for tcp; for udp
	// each datagram is one frame when unset.
	Syncer *framesync.Syncer
}

// PcapSource replays frames carried by UDP datagrams or a TCP stream in a capture.
// TCP segments are taken in capture order; retransmissions are not removed.
type PcapSource struct {
	cfg    PcapConfig
	proto  layers.IPProtocol
	desync *framesync.Desynchronizer
}

// NewPcapSource validates cfg and creates the source.
func NewPcapSource(cfg PcapConfig) (*PcapSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pcap source path is required")
	}
	s := &PcapSource{cfg: cfg}
	switch cfg.Transport {
	case "", "udp":
		s.proto = layers.IPProtocolUDP
	case "tcp":
		if cfg.Syncer == nil {
			return nil, fmt.Errorf("pcap source over tcp requires a sync marker")
		}
		s.proto = layers.IPProtocolTCP
	default:
		return nil, fmt.Errorf("pcap source transport must be udp or tcp, got %q", cfg.Transport)
	}
	if cfg.Syncer != nil {
		s.desync = framesync.NewDesynchronizer("pcap:"+cfg.Path, *cfg.Syncer)
	}
	return s, nil
}

// Name returns the source name.
func (s *PcapSource) Name() string {
	return "pcap:" + s.cfg.Path
}

// SyncStats returns the desynchronizer counters.
func (s *PcapSource) SyncStats() framesync.Stats {
	if s.desync == nil {
		return framesync.Stats{State: framesync.Unsynchronized.String()}
	}
	return s.desync.Stats()
}

// Frames implements Source.
func (s *PcapSource) Frames(ctx context.Context, out chan<- []byte) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", s.cfg.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read pcap header: %w", err)
	}

	var vm *bpf.VM
	if s.cfg.Port != 0 && r.LinkType() == layers.LinkTypeEthernet {
		if vm, err = portFilter(s.proto, s.cfg.Port); err != nil {
			return err
		}
	}

	var matched, skipped int
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			slog.Info("pcap replay complete", "path", s.cfg.Path, "matched", matched, "skipped", skipped)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		if vm != nil {
			if keep, err := vm.Run(data); err != nil || keep == 0 {
				skipped++
				continue
			}
		}

		payload, ok := s.payload(gopacket.NewPacket(data, r.LinkType(), gopacket.Lazy), vm == nil)
		if !ok || len(payload) == 0 {
			skipped++
			continue
		}
		matched++

		frames := [][]byte{append([]byte(nil), payload...)}
		if s.desync != nil {
			frames = s.desync.Feed(payload)
		}
		if err := emit(ctx, out, frames...); err != nil {
			return err
		}
	}
}

// payload extracts the transport payload, checking the port when no BPF program
// already did.
func (s *PcapSource) payload(pkt gopacket.Packet, checkPort bool) ([]byte, bool) {
	switch s.proto {
	case layers.IPProtocolUDP:
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (checkPort && s.cfg.Port != 0 && uint16(udp.DstPort) != s.cfg.Port) {
			return nil, false
		}
		return udp.Payload, true
	case layers.IPProtocolTCP:
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || (checkPort && s.cfg.Port != 0 && uint16(tcp.DstPort) != s.cfg.Port) {
			return nil, false
		}
		return tcp.Payload, true
	}
	return nil, false
}

// portFilter assembles a classic BPF program accepting unfragmented IPv4 Ethernet
// frames of proto addressed to port.
func portFilter(proto layers.IPProtocol, port uint16) (*bpf.VM, error) {
	instructions := []bpf.Instruction{
		// EtherType == IPv4
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x0800, SkipTrue: 8},
		// IP protocol
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(proto), SkipTrue: 6},
		// Fragment offset must be zero
		bpf.LoadAbsolute{Off: 20, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: 4},
		// X = IP header length
		bpf.LoadMemShift{Off: 14},
		// Destination port
		bpf.LoadIndirect{Off: 16, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(port), SkipTrue: 1},
		bpf.RetConstant{Val: 65535},
		bpf.RetConstant{Val: 0},
	}
	vm, err := bpf.NewVM(instructions)
	if err != nil {
		return nil, fmt.Errorf("failed to build port filter: %w", err)
	}
	return vm, nil
}
