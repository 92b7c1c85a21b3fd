package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/mazdakn/uswitch/pkg/packet"
	"github.com/sirupsen/logrus"
)

// udpServer receives IP packets tunnelled in UDP datagrams, one packet per
// datagram.
type udpServer struct {
	addr string
	conn *net.UDPConn
}

func newUDPServer(addr string) *udpServer {
	return &udpServer{
		addr: addr,
	}
}

func (s *udpServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return fmt.Errorf("Invalid address. err: %w", err)
	}

	s.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start udp listener for %v. err: %w", addr, err)
	}
	logrus.Infof("Started listening on %v", s.conn.LocalAddr())
	return nil
}

func (s *udpServer) Stop() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *udpServer) Name() string {
	return fmt.Sprintf("udp://%v", s.addr)
}

// LocalAddr returns the bound address once started.
func (s *udpServer) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *udpServer) Read(pkt *packet.Packet, deadline time.Time) (int, error) {
	err := s.conn.SetReadDeadline(deadline)
	if err != nil {
		return 0, err
	}
	n, endpoint, err := s.conn.ReadFromUDP(pkt.Bytes)
	pkt.Endpoint = endpoint
	return n, err
}
