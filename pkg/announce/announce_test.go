package announce

import (
	"net"
	"testing"

	"clusterha-go/pkg/config"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGratuitousARP(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:aa:bb:01")
	ip := net.ParseIP("10.0.1.10").To4()

	frame, err := BuildGratuitousARP(mac, ip)
	require.NoError(t, err)

	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	require.NotNil(t, ethLayer)
	eth := ethLayer.(*layers.Ethernet)
	assert.Equal(t, mac, eth.SrcMAC)
	assert.Equal(t, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, eth.DstMAC)

	arpLayer := packet.Layer(layers.LayerTypeARP)
	require.NotNil(t, arpLayer)
	arp := arpLayer.(*layers.ARP)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, []byte(ip), arp.SourceProtAddress)
	assert.Equal(t, []byte(ip), arp.DstProtAddress, "gratuitous ARP targets its own address")
}

func TestAnnounceDisabledIsNoop(t *testing.T) {
	called := false
	a := NewWithSender(&config.AnnounceConfig{Enabled: false}, func(ifi *net.Interface, frame []byte) error {
		called = true
		return nil
	}, zerolog.Nop())

	require.NoError(t, a.Announce())
	assert.False(t, called)
}

func TestAnnounceRejectsBadAddress(t *testing.T) {
	a := NewWithSender(&config.AnnounceConfig{Enabled: true, Interface: "lo", Address: "not-an-ip"},
		func(ifi *net.Interface, frame []byte) error { return nil }, zerolog.Nop())

	err := a.Announce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an IPv4 address")
}
