// Package announce sends a gratuitous ARP for the gateway's shared address
// after a promotion, so on-segment neighbors refresh their caches without
// waiting for their entries to expire. Best-effort: the cloud bindings carry
// the real failover, this only speeds up local convergence.
package announce

import (
	"fmt"
	"net"
	"syscall"

	"clusterha-go/pkg/config"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/rs/zerolog"
)

// SendFunc writes a raw ethernet frame out an interface. Injectable for tests.
type SendFunc func(ifi *net.Interface, frame []byte) error

// Announcer sends gratuitous ARPs for the configured address.
type Announcer struct {
	cfg    *config.AnnounceConfig
	send   SendFunc
	logger zerolog.Logger
}

// New creates an announcer. When the config is disabled, Announce is a no-op.
func New(cfg *config.AnnounceConfig, logger zerolog.Logger) *Announcer {
	return &Announcer{
		cfg:    cfg,
		send:   sendRaw,
		logger: logger.With().Str("component", "announce").Logger(),
	}
}

// NewWithSender creates an announcer with an injected frame sender.
func NewWithSender(cfg *config.AnnounceConfig, send SendFunc, logger zerolog.Logger) *Announcer {
	a := New(cfg, logger)
	a.send = send
	return a
}

// Announce broadcasts a gratuitous ARP for the configured address.
func (a *Announcer) Announce() error {
	if !a.cfg.Enabled {
		return nil
	}

	ifi, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		return fmt.Errorf("announce interface %q: %w", a.cfg.Interface, err)
	}
	ip := net.ParseIP(a.cfg.Address).To4()
	if ip == nil {
		return fmt.Errorf("announce address %q is not an IPv4 address", a.cfg.Address)
	}

	frame, err := BuildGratuitousARP(ifi.HardwareAddr, ip)
	if err != nil {
		return err
	}

	if err := a.send(ifi, frame); err != nil {
		return fmt.Errorf("failed to send gratuitous ARP: %w", err)
	}
	a.logger.Info().Str("iface", ifi.Name).Str("addr", ip.String()).Msg("Sent gratuitous ARP")
	return nil
}

// BuildGratuitousARP builds a broadcast ARP request where sender and target
// protocol addresses are both the announced address.
func BuildGratuitousARP(mac net.HardwareAddr, ip net.IP) ([]byte, error) {
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	eth := &layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       broadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   mac,
		SourceProtAddress: ip,
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    ip,
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buffer, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("failed to serialize gratuitous ARP: %w", err)
	}
	return buffer.Bytes(), nil
}

func sendRaw(ifi *net.Interface, frame []byte) error {
	const ethPAll = 0x0003

	fd, err := syscall.Socket(syscall.AF_PACKET, syscall.SOCK_RAW, int(htons(ethPAll)))
	if err != nil {
		return err
	}
	defer syscall.Close(fd)

	addr := &syscall.SockaddrLinklayer{
		Protocol: htons(ethPAll),
		Ifindex:  ifi.Index,
		Halen:    uint8(len(ifi.HardwareAddr)),
	}
	copy(addr.Addr[:], ifi.HardwareAddr)

	return syscall.Sendto(fd, frame, 0, addr)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
