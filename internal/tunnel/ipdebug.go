package tunnel

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// describeDatagram renders the IP header of a datagram for trace logging.
// Anything that does not parse as IPv4 is summarised by length only.
func describeDatagram(b []byte) string {
	if len(b) == 0 {
		return "empty datagram"
	}
	if b[0]>>4 != 4 {
		return fmt.Sprintf("non-IPv4 datagram of %d bytes", len(b))
	}
	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.NoCopy)
	ip, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		return fmt.Sprintf("unparseable IPv4 datagram of %d bytes", len(b))
	}
	return fmt.Sprintf("%s %s -> %s id=%d len=%d", ip.Protocol, ip.SrcIP, ip.DstIP, ip.Id, ip.Length)
}
