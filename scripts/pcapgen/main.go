// pcapgen writes a synthetic capture for exercising the router: routed
// traffic across a few flows plus local deliveries, pings, OSPF hellos and
// truncated frames.
package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"NetSimCore/internal/engine/protocol"
)

type options struct {
	output  string
	count   int
	flows   int
	dstNet  string
	local   string
	seed    uint64
	special float64
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "pcapgen",
		Short:        "Generate a synthetic pcap file",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return generate(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "test.pcap", "output pcap file path")
	cmd.Flags().IntVarP(&opts.count, "count", "c", 1000, "number of frames to generate")
	cmd.Flags().IntVar(&opts.flows, "flows", 32, "number of distinct routed flows")
	cmd.Flags().StringVar(&opts.dstNet, "dst", "10.0.0.0/16", "prefix routed destinations are drawn from")
	cmd.Flags().StringVar(&opts.local, "local", "192.168.1.254", "router-local address")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().Float64Var(&opts.special, "special", 0.05, "fraction of frames that are local, ICMP, OSPF or truncated")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var dstPorts = []uint16{80, 443, 53, 22, 25, 3306, 5432, 6379}

func generate(opts options) error {
	dstNet, err := netip.ParsePrefix(opts.dstNet)
	if err != nil || !dstNet.Addr().Is4() {
		return fmt.Errorf("bad --dst %q: need an IPv4 prefix", opts.dstNet)
	}
	local, err := netip.ParseAddr(opts.local)
	if err != nil || !local.Is4() {
		return fmt.Errorf("bad --local %q: need an IPv4 address", opts.local)
	}
	if opts.flows <= 0 {
		return errors.New("--flows must be positive")
	}
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))

	flows := make([]protocol.FrameSpec, opts.flows)
	for i := range flows {
		proto := uint8(6)
		if rng.IntN(3) == 0 {
			proto = 17
		}
		flows[i] = protocol.FrameSpec{
			Src:      randomAddr(rng, netip.MustParsePrefix("192.168.1.0/24")),
			Dst:      randomAddr(rng, dstNet),
			Protocol: proto,
			SrcPort:  uint16(rng.IntN(65535-1024) + 1024),
			DstPort:  dstPorts[rng.IntN(len(dstPorts))],
			DSCP:     []uint8{0, 0, 0, 10, 46}[rng.IntN(5)],
		}
	}

	f, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	log.Printf("Generating %d frames into %s...", opts.count, opts.output)
	ts := time.Now()
	for i := 0; i < opts.count; i++ {
		spec := flows[rng.IntN(len(flows))]
		spec.Size = rng.IntN(1400) + 64
		truncate := false
		if rng.Float64() < opts.special {
			switch rng.IntN(4) {
			case 0:
				spec.Dst = local
			case 1:
				spec.Protocol, spec.SrcPort, spec.DstPort = 1, 0, 0 // ICMP echo
			case 2:
				spec.Protocol, spec.SrcPort, spec.DstPort = 89, 0, 0 // OSPF
				spec.Size = 0
			case 3:
				truncate = true
			}
		}

		data, err := protocol.BuildFrame(spec)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if truncate {
			data = data[:10]
		}
		ts = ts.Add(time.Duration(rng.IntN(1000)) * time.Microsecond)
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", i, err)
		}
		if (i+1)%100000 == 0 {
			log.Printf("Generated %d frames...", i+1)
		}
	}
	log.Printf("Successfully generated %d frames into %s.", opts.count, opts.output)
	return nil
}

func randomAddr(rng *rand.Rand, p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	host := rng.Uint32() & (1<<(32-p.Bits()) - 1)
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= host
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
