package aumetrics_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/austream/au/aumetrics"
	"github.com/austream/au/broker"
	"github.com/austream/au/pkt"
)

var errClosed = errors.New("socket closed")

type nopSocket struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newNopSocket() *nopSocket {
	s := &nopSocket{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *nopSocket) ReadPacket() (pkt.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed {
		s.cond.Wait()
	}
	return pkt.Packet{}, errClosed
}

func (s *nopSocket) WritePacket(p pkt.Packet) error { return nil }

func (s *nopSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

func TestCollector_describeEmitsFourDescriptors(t *testing.T) {
	sock := newNopSocket()
	openSend := func() (broker.SendSocket, error) { return newNopSocket(), nil }
	b := broker.New(sock, openSend, nil)
	defer b.Close()

	c := aumetrics.New(b)
	descs := make(chan *prometheus.Desc, 8)
	c.Describe(descs)
	close(descs)

	n := 0
	for range descs {
		n++
	}
	require.Equal(t, 4, n)
}

func TestCollector_collectOnEmptyBrokerEmitsNothing(t *testing.T) {
	sock := newNopSocket()
	openSend := func() (broker.SendSocket, error) { return newNopSocket(), nil }
	b := broker.New(sock, openSend, nil)
	defer b.Close()

	c := aumetrics.New(b)
	metrics := make(chan prometheus.Metric, 8)
	c.Collect(metrics)
	close(metrics)

	var got []*dto.Metric
	for m := range metrics {
		var d dto.Metric
		require.NoError(t, m.Write(&d))
		got = append(got, &d)
	}
	require.Empty(t, got)
}
