package broadcast

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/blocknetdx/xbridge-go/xpacket"
)

// NatsSender carries packet frames over a NATS subject. The wire message
// is dest(20) || frame.
type NatsSender struct {
	nc      *nats.Conn
	subject string
}

func NewNatsSender(url, subject string) (*NatsSender, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NatsSender{nc: nc, subject: subject}, nil
}

func (n *NatsSender) SendPacket(dest []byte, p *xpacket.Packet) error {
	msg := make([]byte, 0, DestSize+len(p.Body)+128)
	d := make([]byte, DestSize)
	copy(d, dest)
	msg = append(msg, d...)
	msg = append(msg, p.Encode()...)
	return n.nc.Publish(n.subject, msg)
}

func (n *NatsSender) Subscribe(h Handler) error {
	_, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) {
		if len(m.Data) < DestSize {
			return
		}
		h(m.Data[:DestSize], m.Data[DestSize:])
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	return nil
}

func (n *NatsSender) Close() {
	n.nc.Drain()
}
